package popup

import (
	"fmt"
	"strings"
)

// DefaultFeatures is the window feature string used when none is configured.
const DefaultFeatures = "directories=0,titlebar=0,toolbar=0,status=0,location=0,menubar=0,height=700,width=1200"

// ParseFeatures splits a "key=value,key=value" window feature string.
// Keys without a value map to "1", the browser convention.
func ParseFeatures(features string) (map[string]string, error) {
	out := make(map[string]string)
	for part := range strings.SplitSeq(features, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid window feature %q", part)
		}
		if !found {
			value = "1"
		}
		out[strings.ToLower(key)] = strings.TrimSpace(value)
	}
	return out, nil
}
