package share

import (
	"maps"
	"strconv"
	"time"
)

// Metadata bag keys. All six are written together on every push.
const (
	KeyLocalFileName         = "localfilename"
	KeyLocalRelativeFileName = "localrelativefilename"
	KeyLocalLastModifiedOn   = "locallastmodifiedon"
	KeyLocalMachineName      = "localmachinename"
	KeyLocalFileSize         = "localfilesize"
	KeyLocalOS               = "localos"
)

// RelativeNameSeparator joins the parent directory name and the file name.
const RelativeNameSeparator = `\`

// AllKeys lists every key of a complete metadata bag.
var AllKeys = []string{
	KeyLocalFileName,
	KeyLocalRelativeFileName,
	KeyLocalLastModifiedOn,
	KeyLocalMachineName,
	KeyLocalFileSize,
	KeyLocalOS,
}

const (
	ticksPerSecond = 10_000_000
	nanosPerTick   = 100
	// ticks between 0001-01-01 and 1970-01-01
	unixEpochTicks int64 = 621_355_968_000_000_000
)

// Metadata is the key/value bag persisted next to a remote file.
type Metadata map[string]string

func (m Metadata) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// RelativeName returns the localrelativefilename value, if present.
func (m Metadata) RelativeName() (string, bool) {
	return m.Get(KeyLocalRelativeFileName)
}

// Ticks returns the locallastmodifiedon value. ok is false when the key is missing
// or the value is not an integer.
func (m Metadata) Ticks() (ticks int64, ok bool) {
	v, ok := m.Get(KeyLocalLastModifiedOn)
	if !ok {
		return 0, false
	}
	ticks, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return ticks, true
}

// FileName returns the file name portion of the relative name.
func (m Metadata) FileName() (string, bool) {
	rel, ok := m.RelativeName()
	if !ok || rel == "" {
		return "", false
	}
	for i := len(rel) - 1; i >= 0; i-- {
		if rel[i] == RelativeNameSeparator[0] {
			return rel[i+1:], rel[i+1:] != ""
		}
	}
	return rel, true
}

// Complete reports whether every key of the bag is present.
func (m Metadata) Complete() bool {
	for _, k := range AllKeys {
		if _, ok := m.Get(k); !ok {
			return false
		}
	}
	return true
}

// RelativeName builds the "{dir}\{file}" identity string.
func RelativeName(dirName, fileName string) string {
	return dirName + RelativeNameSeparator + fileName
}

// TimeToTicks converts t to 100ns ticks since 0001-01-01 UTC.
func TimeToTicks(t time.Time) int64 {
	t = t.UTC()
	return unixEpochTicks + t.Unix()*ticksPerSecond + int64(t.Nanosecond())/nanosPerTick
}

// TicksToTime is the inverse of TimeToTicks.
func TicksToTime(ticks int64) time.Time {
	rel := ticks - unixEpochTicks
	sec := rel / ticksPerSecond
	rem := rel % ticksPerSecond
	if rem < 0 {
		sec--
		rem += ticksPerSecond
	}
	return time.Unix(sec, rem*nanosPerTick).UTC()
}

// FormatTicks renders ticks the way they are stored in the bag.
func FormatTicks(ticks int64) string {
	return strconv.FormatInt(ticks, 10)
}
