//go:build !sonic

package keys

import (
	"github.com/goccy/go-json"
)

var jsonUnmarshal = json.Unmarshal
