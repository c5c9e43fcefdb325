// Package progress turns rclone stats output into progress snapshots.
package progress

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/models"
)

const num = `(\d[\d.,]*)`

var (
	// "1.234 MiB / 10 MiB, 12%" and the older "1.234M / 10.000 MBytes, 12%"
	bytesPattern = regexp.MustCompile(`(?i)` + num + `\s*([KMGTP]i?B|[KMGTP]Bytes|[KMGTP]|Bytes|B)?\s*/\s*` + num + `\s*([KMGTP]i?B|[KMGTP]Bytes|Bytes|B)\b(?:\s*,\s*(-|\d+)\s*%)?`)
	// "Transferred: 3 / 10, 30%"
	filesPattern = regexp.MustCompile(`(?i)^Transferred:\s*(\d+)\s*/\s*(\d+)\s*(?:,\s*(-|\d+)\s*%)?\s*$`)
	// "(xfr#3/10)" in the one-line format
	xfrPattern   = regexp.MustCompile(`xfr#(\d+)/(\d+)`)
	speedPattern = regexp.MustCompile(`(?i)` + num + `\s*([KMGTP]i?B|[KMGTP]Bytes|Bytes|B)/s`)
	etaPattern   = regexp.MustCompile(`ETA\s+([^\s,()]+)`)
	etaUnit      = regexp.MustCompile(`(\d+(?:\.\d+)?)([a-zµ]+)`)
)

var unitScale = map[string]float64{
	"":  1,
	"B": 1, "BYTES": 1,
	"K": 1 << 10, "KB": 1 << 10, "KIB": 1 << 10, "KBYTES": 1 << 10,
	"M": 1 << 20, "MB": 1 << 20, "MIB": 1 << 20, "MBYTES": 1 << 20,
	"G": 1 << 30, "GB": 1 << 30, "GIB": 1 << 30, "GBYTES": 1 << 30,
	"T": 1 << 40, "TB": 1 << 40, "TIB": 1 << 40, "TBYTES": 1 << 40,
	"P": 1 << 50, "PB": 1 << 50, "PIB": 1 << 50, "PBYTES": 1 << 50,
}

// jsonLine is a line written by rclone with --use-json-log.
type jsonLine struct {
	Level string     `json:"level"`
	Msg   string     `json:"msg"`
	Stats *jsonStats `json:"stats"`
}

type jsonStats struct {
	Bytes          int64    `json:"bytes"`
	TotalBytes     int64    `json:"totalBytes"`
	Speed          float64  `json:"speed"`
	ETA            *float64 `json:"eta"`
	Transfers      int64    `json:"transfers"`
	TotalTransfers int64    `json:"totalTransfers"`
}

// update is what one line contributed.
type update struct {
	bytes      int64
	bytesTotal int64
	hasBytes   bool
	files      int64
	filesTotal int64
	hasFiles   bool
	percent    float64
	hasPercent bool
	speed      float64
	hasSpeed   bool
	eta        time.Duration
	hasETA     bool
	etaUnknown bool
}

func (u *update) empty() bool {
	return !u.hasBytes && !u.hasFiles && !u.hasPercent && !u.hasSpeed && !u.hasETA && !u.etaUnknown
}

// Parser consumes rclone output lines. It is not safe for concurrent use;
// one parser belongs to one run.
type Parser struct {
	snap       models.ProgressSnapshot
	totalKnown bool
	now        func() time.Time
}

// NewParser creates a Parser with an indeterminate initial snapshot.
func NewParser() *Parser {
	return &Parser{
		snap: models.ProgressSnapshot{Indeterminate: true},
		now:  time.Now,
	}
}

// Snapshot returns the current snapshot.
func (p *Parser) Snapshot() models.ProgressSnapshot {
	return p.snap
}

// Feed parses one line. It returns a new snapshot when the line carried
// progress information; other lines are ignored.
func (p *Parser) Feed(line string) (models.ProgressSnapshot, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return models.ProgressSnapshot{}, false
	}

	var u update
	if strings.HasPrefix(line, "{") {
		var jl jsonLine
		if err := json.Unmarshal([]byte(line), &jl); err != nil {
			return models.ProgressSnapshot{}, false
		}
		if jl.Stats != nil {
			u = fromJSON(jl.Stats)
		} else {
			u = parseText(jl.Msg)
		}
	} else {
		u = parseText(line)
	}

	if u.empty() {
		return models.ProgressSnapshot{}, false
	}
	p.apply(u)
	return p.snap, true
}

// Complete returns the final snapshot of a successful run: 100 percent
// when the total size was known.
func (p *Parser) Complete() models.ProgressSnapshot {
	if p.totalKnown {
		p.snap.Percent = 100
		p.snap.BytesTransferred = p.snap.BytesTotal
		p.snap.Indeterminate = false
		p.snap.ETA = 0
		p.snap.ETAKnown = true
	}
	if p.snap.FilesTotal > 0 && p.snap.FilesTransferred < p.snap.FilesTotal {
		p.snap.FilesTransferred = p.snap.FilesTotal
	}
	p.snap.UpdatedAt = p.now()
	return p.snap
}

func (p *Parser) apply(u update) {
	s := p.snap

	if u.hasBytes {
		s.BytesTransferred = u.bytes
		if u.bytesTotal > 0 {
			s.BytesTotal = u.bytesTotal
			p.totalKnown = true
		}
	}
	if u.hasFiles {
		s.FilesTransferred = u.files
		if u.filesTotal > 0 {
			s.FilesTotal = u.filesTotal
		}
	}
	if u.hasSpeed {
		s.Speed = u.speed
	}
	if u.hasETA {
		s.ETA = u.eta
		s.ETAKnown = true
	} else if u.etaUnknown {
		s.ETA = 0
		s.ETAKnown = false
	}

	var pct float64
	havePct := false
	switch {
	case u.hasPercent:
		pct, havePct = u.percent, true
	case p.totalKnown && s.BytesTotal > 0:
		pct, havePct = float64(s.BytesTransferred)/float64(s.BytesTotal)*100, true
	}
	if havePct {
		pct = math.Min(math.Max(pct, 0), 100)
		if pct > s.Percent {
			s.Percent = pct
		}
		s.Indeterminate = false
	} else if !p.totalKnown {
		s.Indeterminate = true
	}

	s.UpdatedAt = p.now()
	p.snap = s
}

func fromJSON(st *jsonStats) update {
	u := update{
		bytes:      st.Bytes,
		bytesTotal: st.TotalBytes,
		hasBytes:   true,
		files:      st.Transfers,
		filesTotal: st.TotalTransfers,
		hasFiles:   true,
		speed:      st.Speed,
		hasSpeed:   true,
	}
	if st.ETA != nil && *st.ETA >= 0 {
		u.eta = time.Duration(*st.ETA * float64(time.Second))
		u.hasETA = true
	} else {
		u.etaUnknown = true
	}
	return u
}

func parseText(line string) update {
	var u update
	line = strings.TrimSpace(line)
	if line == "" {
		return u
	}

	if m := filesPattern.FindStringSubmatch(line); m != nil {
		u.files, _ = strconv.ParseInt(m[1], 10, 64)
		u.filesTotal, _ = strconv.ParseInt(m[2], 10, 64)
		u.hasFiles = true
		return u
	}

	if m := bytesPattern.FindStringSubmatch(line); m != nil {
		cur, ok1 := parseSize(m[1], m[2])
		total, ok2 := parseSize(m[3], m[4])
		if ok1 && ok2 {
			u.bytes, u.bytesTotal, u.hasBytes = cur, total, true
			if m[5] != "" && m[5] != "-" {
				if pct, err := strconv.ParseFloat(m[5], 64); err == nil {
					u.percent, u.hasPercent = pct, true
				}
			}
		}
	}
	if m := xfrPattern.FindStringSubmatch(line); m != nil {
		u.files, _ = strconv.ParseInt(m[1], 10, 64)
		u.filesTotal, _ = strconv.ParseInt(m[2], 10, 64)
		u.hasFiles = true
	}
	if m := speedPattern.FindStringSubmatch(line); m != nil {
		if v, ok := parseNumber(m[1]); ok {
			u.speed, u.hasSpeed = v*unitScale[strings.ToUpper(m[2])], true
		}
	}
	if m := etaPattern.FindStringSubmatch(line); m != nil {
		if d, ok := ParseETA(m[1]); ok {
			u.eta, u.hasETA = d, true
		} else if m[1] == "-" {
			u.etaUnknown = true
		}
	}
	return u
}

func parseSize(value, unit string) (int64, bool) {
	v, ok := parseNumber(value)
	if !ok {
		return 0, false
	}
	scale, ok := unitScale[strings.ToUpper(unit)]
	if !ok {
		return 0, false
	}
	return int64(math.Round(v * scale)), true
}

// parseNumber accepts "1234.5", "1234,5" and "1,234.5". A lone comma is a
// decimal separator; with both separators the last one is the decimal.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimRight(s, ".,")
	if s == "" {
		return 0, false
	}
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseETA parses rclone ETA values such as "17s", "1m2s" or "2d3h4m5s".
func ParseETA(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, false
	}
	matches := etaUnit.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return 0, false
	}
	consumed := 0
	var total time.Duration
	for _, m := range matches {
		consumed += len(m[0])
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		var unit time.Duration
		switch m[2] {
		case "y":
			unit = 365 * 24 * time.Hour
		case "w":
			unit = 7 * 24 * time.Hour
		case "d":
			unit = 24 * time.Hour
		case "h":
			unit = time.Hour
		case "m":
			unit = time.Minute
		case "s":
			unit = time.Second
		case "ms":
			unit = time.Millisecond
		case "us", "µs":
			unit = time.Microsecond
		case "ns":
			unit = time.Nanosecond
		default:
			return 0, false
		}
		total += time.Duration(v * float64(unit))
	}
	if consumed != len(s) {
		return 0, false
	}
	return total, true
}
