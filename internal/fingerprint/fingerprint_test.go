package fingerprint

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36")
	h.Set("Accept", "text/html,application/json")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Sec-CH-UA", `"Chromium";v="125", "Google Chrome";v="125"`)
	h.Set("Sec-CH-UA-Platform", `"Windows"`)
	h.Set("X-TLS-Fingerprint", "ja3-abc123")
	return h
}

func TestHashStableAcrossVolatileHeaders(t *testing.T) {
	h1 := browserHeaders()
	h2 := browserHeaders()
	h2.Set("X-Forwarded-For", "10.1.2.3, 172.16.0.1")
	h2.Set("Accept", "*/*")

	fp1 := FromHeaders(h1)
	fp2 := FromHeaders(h2)
	assert.Equal(t, fp1.Hash(), fp2.Hash(), "hash must ignore volatile headers")

	h3 := browserHeaders()
	h3.Set("User-Agent", "different")
	assert.NotEqual(t, fp1.Hash(), FromHeaders(h3).Hash())
}

func TestForwardedIPParsing(t *testing.T) {
	h := browserHeaders()
	h.Set("X-Forwarded-For", " 10.1.2.3 ,172.16.0.1,")
	fp := FromHeaders(h)
	assert.Equal(t, []string{"10.1.2.3", "172.16.0.1"}, fp.ForwardedIPs)
}

func TestDetectAutomation(t *testing.T) {
	ext := NewExtractor([]string{"ja3-botnet-1"}, 0.5)

	tests := []struct {
		name    string
		mutate  func(h http.Header)
		flagged bool
		want    string
	}{
		{
			name:    "clean browser",
			mutate:  func(h http.Header) {},
			flagged: false,
		},
		{
			name: "curl",
			mutate: func(h http.Header) {
				h.Set("User-Agent", "curl/8.4.0")
				h.Del("Sec-CH-UA")
				h.Del("Accept-Language")
			},
			flagged: true,
			want:    "cli_tool",
		},
		{
			name: "headless chrome",
			mutate: func(h http.Header) {
				h.Set("User-Agent", "Mozilla/5.0 HeadlessChrome/125.0.0.0")
			},
			flagged: true,
			want:    "headless_browser",
		},
		{
			name: "known bot tls",
			mutate: func(h http.Header) {
				h.Set("X-TLS-Fingerprint", "ja3-botnet-1")
			},
			flagged: true,
			want:    "known_bot_tls",
		},
		{
			name: "spoofed chrome without client hints",
			mutate: func(h http.Header) {
				h.Del("Sec-CH-UA")
			},
			flagged: true,
			want:    "missing_client_hints",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := browserHeaders()
			tt.mutate(h)
			res := ext.DetectAutomation(FromHeaders(h))
			assert.Equal(t, tt.flagged, res.Flagged, "score=%v indicators=%v", res.Score, res.Indicators)
			if tt.want != "" {
				names := make([]string, 0, len(res.Indicators))
				for _, ind := range res.Indicators {
					names = append(names, ind.Name)
				}
				assert.Contains(t, names, tt.want)
			}
			assert.GreaterOrEqual(t, res.Score, 0.0)
			assert.LessOrEqual(t, res.Score, 1.0)
		})
	}
}

func TestAutomationNoIndicatorFatalAlone(t *testing.T) {
	// A single weak indicator must stay under the flag threshold.
	ext := NewExtractor(nil, 0.5)
	h := browserHeaders()
	h.Del("Accept-Language")
	res := ext.DetectAutomation(FromHeaders(h))
	require.Len(t, res.Indicators, 1)
	assert.False(t, res.Flagged)
}

func TestDeviceSimilarity(t *testing.T) {
	base := DeviceFingerprint{
		Screen:      "1920x1080x24",
		Platform:    "Win32",
		Timezone:    "America/New_York",
		Language:    "en-US",
		GPURenderer: "ANGLE (NVIDIA GeForce RTX 3060)",
		CanvasHash:  "c1",
		AudioHash:   "a1",
		Fonts:       []string{"Arial", "Verdana", "Tahoma"},
		Plugins:     []string{"pdf"},
	}

	t.Run("identical devices score 1", func(t *testing.T) {
		assert.InDelta(t, 1.0, Similarity(base, base), 1e-9)
	})

	t.Run("driver update keeps high similarity", func(t *testing.T) {
		drifted := base
		drifted.GPURenderer = "ANGLE (NVIDIA GeForce RTX 3060 Ti)"
		sim := Similarity(base, drifted)
		assert.Greater(t, sim, 0.8)
		assert.Less(t, sim, 1.0)
	})

	t.Run("different device scores low", func(t *testing.T) {
		other := DeviceFingerprint{
			Screen: "390x844x32", Platform: "iPhone", Timezone: "Europe/Berlin",
			Language: "de-DE", GPURenderer: "Apple GPU", CanvasHash: "c9", AudioHash: "a9",
			Fonts: []string{"Helvetica"},
		}
		assert.Less(t, Similarity(base, other), 0.2)
	})

	t.Run("symmetric", func(t *testing.T) {
		other := base
		other.CanvasHash = "c2"
		other.Fonts = []string{"Arial"}
		assert.Equal(t, Similarity(base, other), Similarity(other, base))
	})
}

func TestDeviceHashNormalizesSetOrder(t *testing.T) {
	a := DeviceFingerprint{Fonts: []string{"Arial", "Verdana"}, Plugins: []string{"x", "y"}}
	b := DeviceFingerprint{Fonts: []string{"Verdana", "Arial"}, Plugins: []string{"y", "x"}}
	assert.Equal(t, a.Hash(), b.Hash())
}
