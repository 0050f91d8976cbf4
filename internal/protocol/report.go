package protocol

import (
	"fmt"
	"strconv"
	"strings"

	logx "roombridge/pkg/logx"
)

const reportFields = 4

// Report is one abuse report: `clientID|identity|name|reason`.
type Report struct {
	ClientID int
	Identity string
	Name     string
	Reason   string
}

// ParseReport parses raw with a non-logging codec.
func ParseReport(raw string) (Report, error) {
	return (&Codec{}).ParseReport(raw)
}

func (c *Codec) ParseReport(raw string) (Report, error) {
	parts := strings.Split(TrimPadding(raw), "|")
	if len(parts) < reportFields {
		return Report{}, fmt.Errorf("%w: got %d, want %d", ErrTooFewFields, len(parts), reportFields)
	}
	id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Report{}, fmt.Errorf("%w: %q", ErrInvalidClientID, parts[0])
	}
	identity := strings.TrimSpace(parts[1])
	if identity == "" {
		return Report{}, ErrInvalidIdentity
	}
	c.Log.Debug("report parsed", logx.Int("client_id", id), logx.String("identity", identity))
	return Report{
		ClientID: id,
		Identity: identity,
		Name:     parts[2],
		Reason:   parts[3],
	}, nil
}
