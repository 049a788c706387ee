package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DeviceFingerprint is a semi-stable identifier derived from
// client-reported hardware and software attributes. Devices drift (driver
// updates change the GPU string, fonts get installed), so comparison is by
// weighted field agreement, never exact match.
type DeviceFingerprint struct {
	Screen      string   `json:"screen"`
	Platform    string   `json:"platform"`
	Timezone    string   `json:"timezone"`
	Language    string   `json:"language"`
	GPURenderer string   `json:"gpu_renderer"`
	CanvasHash  string   `json:"canvas_hash"`
	AudioHash   string   `json:"audio_hash"`
	Fonts       []string `json:"fonts"`
	Plugins     []string `json:"plugins"`
}

// deviceFieldWeights reflect how discriminating each attribute is. Canvas
// and audio hashes are near-unique per device; timezone and language are
// shared by whole regions.
var deviceFieldWeights = struct {
	canvas, audio, gpu, screen, platform, fonts, plugins, timezone, language float64
}{
	canvas:   0.25,
	audio:    0.2,
	gpu:      0.15,
	screen:   0.1,
	platform: 0.1,
	fonts:    0.08,
	plugins:  0.05,
	timezone: 0.04,
	language: 0.03,
}

// Hash returns a stable identifier for cache set keys. Font/plugin order
// is normalized first.
func (d DeviceFingerprint) Hash() string {
	fonts := append([]string(nil), d.Fonts...)
	plugins := append([]string(nil), d.Plugins...)
	sort.Strings(fonts)
	sort.Strings(plugins)
	h := sha256.New()
	for _, part := range []string{
		d.Screen, d.Platform, d.Timezone, d.Language, d.GPURenderer,
		d.CanvasHash, d.AudioHash,
		strings.Join(fonts, ","), strings.Join(plugins, ","),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Similarity computes weighted field agreement between two device
// fingerprints in [0,1]. Set-valued fields use Jaccard overlap.
func Similarity(a, b DeviceFingerprint) float64 {
	w := deviceFieldWeights
	var score, total float64

	agree := func(x, y string, weight float64) {
		total += weight
		if x != "" && x == y {
			score += weight
		}
	}
	agree(a.CanvasHash, b.CanvasHash, w.canvas)
	agree(a.AudioHash, b.AudioHash, w.audio)
	agree(a.GPURenderer, b.GPURenderer, w.gpu)
	agree(a.Screen, b.Screen, w.screen)
	agree(a.Platform, b.Platform, w.platform)
	agree(a.Timezone, b.Timezone, w.timezone)
	agree(a.Language, b.Language, w.language)

	total += w.fonts
	score += w.fonts * jaccard(a.Fonts, b.Fonts)
	total += w.plugins
	score += w.plugins * jaccard(a.Plugins, b.Plugins)

	if total == 0 {
		return 0
	}
	return score / total
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	var inter int
	union := len(set)
	for _, s := range b {
		if _, ok := set[s]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
