package fields

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/inkflow/inkflow/engine/request"
)

// Formats applied when resolving date-typed fields.
const (
	DateFormat     = "Jan 2, 2006"
	DateTimeFormat = "Jan 2, 2006 15:04 MST"
)

const locationUnavailable = "Location not available"

// Instance is one positioned, resolved field ready for rendering.
type Instance struct {
	FieldID     string
	Type        FieldType
	Position    Position
	SignerEmail string
	Text        string
	ImagePNG    []byte
}

// Map resolves the schema's fields against the signers' submitted data and
// returns the renderable instances. Fields whose binding does not resolve to
// a signed signer are dropped silently: a degraded render beats no render.
func Map(schema *Schema, signers []*request.Signer) []Instance {
	if schema == nil || len(schema.Fields) == 0 {
		return nil
	}
	resolve := bindingResolver(schema, signers)
	out := make([]Instance, 0, len(schema.Fields))
	for i := range schema.Fields {
		f := &schema.Fields[i]
		signer := resolve(f.SignerBinding)
		if signer == nil || signer.Status != request.SignerSigned {
			continue
		}
		inst := Instance{
			FieldID:     f.ID,
			Type:        f.Type,
			Position:    f.Position,
			SignerEmail: signer.Email,
		}
		switch f.Type {
		case TypeSignature:
			if signer.SignatureData == nil || len(signer.SignatureData.ImagePNG) == 0 {
				continue
			}
			inst.ImagePNG = signer.SignatureData.ImagePNG
		case TypeName:
			inst.Text = signer.Name
		case TypeDate:
			inst.Text = signedTime(signer).Format(DateFormat)
		case TypeDateTime:
			inst.Text = signedTime(signer).Format(DateTimeFormat)
		case TypeLocation:
			inst.Text = resolveLocation(signer)
		case TypeEmail:
			inst.Text = signer.Email
		default:
			inst.Text = f.Label
		}
		out = append(out, inst)
	}
	return out
}

// bindingResolver picks the resolution strategy once for the whole document:
// the stored binding table when present, otherwise positional signer_N tokens
// keyed by ascending signing order.
func bindingResolver(schema *Schema, signers []*request.Signer) func(string) *request.Signer {
	byEmail := make(map[string]*request.Signer, len(signers))
	for _, s := range signers {
		byEmail[s.Email] = s
	}
	if len(schema.Bindings) > 0 {
		return func(token string) *request.Signer {
			email, ok := schema.Bindings[token]
			if !ok {
				return nil
			}
			return byEmail[email]
		}
	}
	ordered := make([]*request.Signer, len(signers))
	copy(ordered, signers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})
	return func(token string) *request.Signer {
		n, ok := positionalToken(token)
		if !ok || n < 1 || n > len(ordered) {
			return nil
		}
		return ordered[n-1]
	}
}

func positionalToken(token string) (int, bool) {
	rest, ok := strings.CutPrefix(token, "signer_")
	if !ok {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(rest, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// resolveLocation follows the fixed fallback chain: captured address first,
// then the signer's declared region, then a literal placeholder.
func resolveLocation(signer *request.Signer) string {
	if signer.SignatureData != nil && signer.SignatureData.Address != "" {
		return signer.SignatureData.Address
	}
	if signer.ProfileRegion != nil && *signer.ProfileRegion != "" {
		return *signer.ProfileRegion
	}
	return locationUnavailable
}

func signedTime(signer *request.Signer) time.Time {
	if signer.SignatureData != nil && !signer.SignatureData.CapturedAt.IsZero() {
		return signer.SignatureData.CapturedAt
	}
	if signer.SignedAt != nil {
		return *signer.SignedAt
	}
	return time.Time{}
}
