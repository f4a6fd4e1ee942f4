//go:build sonic

package keys

import (
	"github.com/bytedance/sonic"
)

var jsonUnmarshal = sonic.Unmarshal
