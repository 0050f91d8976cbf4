package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	logx "roombridge/pkg/logx"
)

var (
	ErrTooFewFields       = errors.New("too few fields")
	ErrInvalidCode        = errors.New("invalid room code")
	ErrInvalidVersion     = errors.New("invalid version")
	ErrInvalidPlayerCount = errors.New("invalid player count")
	ErrInvalidLanguage    = errors.New("invalid language")
	ErrInvalidClientID    = errors.New("invalid client id")
	ErrInvalidIdentity    = errors.New("invalid identity")
)

const (
	// ProbeRequest is the liveness literal a client may send instead of a payload.
	ProbeRequest = "test"
	// ProbeReply is written back verbatim for ProbeRequest.
	ProbeReply = "Test Form SERVER"

	roomFields = 6
)

// VersionPattern names a version validation rule.
type VersionPattern string

const (
	// VersionStrict requires a channel tag after the date.
	VersionStrict VersionPattern = "strict"
	// VersionRelaxed accepts versions with or without a channel tag.
	VersionRelaxed VersionPattern = "relaxed"
)

var (
	codeRe          = regexp.MustCompile(`^(?:[a-zA-Z]{4}|[a-zA-Z]{6})$`)
	versionStrictRe = regexp.MustCompile(`^\d+\.\d+_\d{8}_(Debug|Canary|Dev|Preview)(?:_\d+)?$`)
	versionLooseRe  = regexp.MustCompile(`^\d+\.\d+_\d{8}(?:_(Debug|Canary|Dev|Preview))?(?:_\d+)?$`)
)

// ParseVersionPattern validates a config value. Empty means strict.
func ParseVersionPattern(s string) (VersionPattern, error) {
	switch VersionPattern(strings.ToLower(strings.TrimSpace(s))) {
	case "", VersionStrict:
		return VersionStrict, nil
	case VersionRelaxed:
		return VersionRelaxed, nil
	default:
		return "", fmt.Errorf("unknown version pattern %q", s)
	}
}

func (p VersionPattern) regexp() *regexp.Regexp {
	if p == VersionRelaxed {
		return versionLooseRe
	}
	return versionStrictRe
}

// Room is one parsed room announcement.
type Room struct {
	Code        string
	Version     string
	PlayerCount int
	Language    Language
	ServerName  string
	PlayerName  string
}

// Codec parses inbound payloads. The zero value uses the strict version
// pattern and does not log.
type Codec struct {
	Pattern VersionPattern
	Log     logx.Logger
}

// NewCodec returns a codec bound to pattern.
func NewCodec(pattern VersionPattern, log logx.Logger) *Codec {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Codec{Pattern: pattern, Log: log}
}

// ParseRoom parses raw with a non-logging codec.
func ParseRoom(raw string, pattern VersionPattern) (Room, error) {
	return (&Codec{Pattern: pattern}).ParseRoom(raw)
}

// ParseRoom validates `code|version|players|language|server|host`.
// Validation stops at the first failing field.
func (c *Codec) ParseRoom(raw string) (Room, error) {
	log := c.Log
	parts := strings.Split(TrimPadding(raw), "|")
	log.Debug("checking field count", logx.Int("fields", len(parts)))
	if len(parts) < roomFields {
		return Room{}, fmt.Errorf("%w: got %d, want %d", ErrTooFewFields, len(parts), roomFields)
	}

	code := parts[0]
	log.Debug("validating room code", logx.String("code", code))
	if !codeRe.MatchString(code) {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}

	version := parts[1]
	log.Debug("validating version", logx.String("version", version), logx.String("pattern", string(c.pattern())))
	if !c.pattern().regexp().MatchString(version) {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}

	count, err := parseCount(parts[2])
	if err != nil {
		return Room{}, err
	}
	log.Debug("player count parsed", logx.Int("count", count))

	lang, ok := ParseLanguage(parts[3])
	if !ok {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidLanguage, parts[3])
	}

	return Room{
		Code:        code,
		Version:     version,
		PlayerCount: count,
		Language:    lang,
		ServerName:  parts[4],
		PlayerName:  parts[5],
	}, nil
}

func (c *Codec) pattern() VersionPattern {
	if c.Pattern == "" {
		return VersionStrict
	}
	return c.Pattern
}

func parseCount(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidPlayerCount)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidPlayerCount, s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPlayerCount, s)
	}
	return n, nil
}

// TrimPadding strips the NUL padding left by fixed-size reads and any
// trailing line terminator.
func TrimPadding(raw string) string {
	return strings.TrimRight(raw, "\x00\r\n")
}

// IsProbe reports whether payload is the liveness literal.
func IsProbe(payload string) bool {
	return TrimPadding(payload) == ProbeRequest
}
