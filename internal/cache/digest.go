package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Digest computes a content-addressed key for a model invocation. Two
// invocations with the same stage, model class, and semantically equal
// payload produce the same digest regardless of map ordering or
// surrounding whitespace in string values.
func Digest(stage, class string, payload any) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", eris.Wrap(err, "cache: canonicalize payload")
	}

	h := sha256.New()
	h.Write([]byte(strings.ToLower(stage)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(class)))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalize renders payload as compact JSON with string whitespace
// collapsed. Round-tripping through interface values makes encoding/json
// emit object keys sorted, so logically equal payloads hash alike.
func canonicalize(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(normalize(v))
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k := range t {
			t[k] = normalize(t[k])
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case string:
		return strings.Join(strings.Fields(t), " ")
	default:
		return v
	}
}
