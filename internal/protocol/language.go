package protocol

import "strings"

// Language is one of the lobby languages a room can advertise.
type Language string

const (
	English    Language = "English"
	Latam      Language = "Latam"
	Brazilian  Language = "Brazilian"
	Portuguese Language = "Portuguese"
	Korean     Language = "Korean"
	Russian    Language = "Russian"
	Dutch      Language = "Dutch"
	Filipino   Language = "Filipino"
	French     Language = "French"
	German     Language = "German"
	Italian    Language = "Italian"
	Japanese   Language = "Japanese"
	Spanish    Language = "Spanish"
	SChinese   Language = "SChinese"
	TChinese   Language = "TChinese"
	Irish      Language = "Irish"
)

// DisplayLocale selects which set of human-readable language names is used
// when rendering a room.
type DisplayLocale string

const (
	LocaleEN DisplayLocale = "en"
	LocaleZH DisplayLocale = "zh"
)

var zhNames = map[Language]string{
	English:    "英语",
	Latam:      "拉丁美洲",
	Brazilian:  "巴西",
	Portuguese: "葡萄牙",
	Korean:     "韩语",
	Russian:    "俄语",
	Dutch:      "荷兰语",
	Filipino:   "菲律宾语",
	French:     "法语",
	German:     "德语",
	Italian:    "意大利语",
	Japanese:   "日语",
	Spanish:    "西班牙语",
	SChinese:   "简体中文",
	TChinese:   "繁体中文",
	Irish:      "爱尔兰语",
}

// Languages returns every accepted language in wire order.
func Languages() []Language {
	return []Language{
		English, Latam, Brazilian, Portuguese, Korean, Russian, Dutch, Filipino,
		French, German, Italian, Japanese, Spanish, SChinese, TChinese, Irish,
	}
}

// ParseLanguage matches the wire name exactly (case-sensitive).
func ParseLanguage(s string) (Language, bool) {
	l := Language(s)
	_, ok := zhNames[l]
	return l, ok
}

// DisplayName returns the localized name; unknown locales fall back to English.
func (l Language) DisplayName(loc DisplayLocale) string {
	if loc == LocaleZH {
		if n, ok := zhNames[l]; ok {
			return n
		}
	}
	return string(l)
}

// LookupLocale maps a config value to a locale. Matching ignores case and
// surrounding space; empty means English.
func LookupLocale(s string) (DisplayLocale, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "en", "en-us":
		return LocaleEN, true
	case "zh", "cn", "zh-cn":
		return LocaleZH, true
	default:
		return LocaleEN, false
	}
}

// ParseLocale is LookupLocale with unknown values falling back to English.
func ParseLocale(s string) DisplayLocale {
	loc, _ := LookupLocale(s)
	return loc
}
