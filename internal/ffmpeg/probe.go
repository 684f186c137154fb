package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ffprobeOutput represents the JSON output from ffprobe
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Filename string            `json:"filename"`
	Duration string            `json:"duration"`
	Size     string            `json:"size"`
	Tags     map[string]string `json:"tags"`
}

type ffprobeStream struct {
	Index        int               `json:"index"`
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	RFrameRate   string            `json:"r_frame_rate"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	Tags         map[string]string `json:"tags"`
}

// Prober wraps ffprobe functionality
type Prober struct {
	ffprobePath string
}

// NewProber creates a new Prober with the given ffprobe path
func NewProber(ffprobePath string) *Prober {
	return &Prober{ffprobePath: ffprobePath}
}

func (p *Prober) probe(ctx context.Context, path string) (*ffprobeOutput, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("ffprobe failed: %s", string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probeOutput ffprobeOutput
	if err := json.Unmarshal(output, &probeOutput); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &probeOutput, nil
}

// Duration returns the container duration of a media file in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	out, err := p.probe(ctx, path)
	if err != nil {
		return 0, err
	}
	if out.Format.Duration == "" {
		return 0, fmt.Errorf("no duration in ffprobe output for %s", path)
	}
	d, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q: %w", out.Format.Duration, err)
	}
	return d, nil
}

// TimecodeInfo holds the burn-in parameters probed from a source file.
type TimecodeInfo struct {
	Timecode string  // HH:MM:SS:FF, drop-frame ';' normalized to ':'
	Rate     float64 // frames per second
}

// DefaultFrameRate is assumed when the source carries no usable frame rate.
const DefaultFrameRate = 25.0

// Timecode probes a source file for its embedded start timecode and frame
// rate. A missing timecode yields "00:00:00:00"; an unusable frame rate
// yields DefaultFrameRate. The probe itself failing is an error.
func (p *Prober) Timecode(ctx context.Context, path string) (TimecodeInfo, error) {
	out, err := p.probe(ctx, path)
	if err != nil {
		return TimecodeInfo{}, err
	}
	return extractTimecode(out), nil
}

// extractTimecode pulls the timecode and frame rate out of a probe result.
// Timecode precedence: format tags, then any stream's tags, then a tmcd
// (QuickTime timecode track) stream's tags.
func extractTimecode(out *ffprobeOutput) TimecodeInfo {
	info := TimecodeInfo{Timecode: "00:00:00:00", Rate: DefaultFrameRate}

	if tc := out.Format.Tags["timecode"]; tc != "" {
		info.Timecode = normalizeTimecode(tc)
	} else {
		for i := range out.Streams {
			if tc := out.Streams[i].Tags["timecode"]; tc != "" {
				info.Timecode = normalizeTimecode(tc)
				break
			}
		}
		if info.Timecode == "00:00:00:00" {
			for i := range out.Streams {
				if out.Streams[i].CodecName == "tmcd" {
					if tc := out.Streams[i].Tags["timecode"]; tc != "" {
						info.Timecode = normalizeTimecode(tc)
					}
					break
				}
			}
		}
	}

	for i := range out.Streams {
		s := &out.Streams[i]
		if s.CodecType != "video" {
			continue
		}
		rate := parseFrameRate(s.AvgFrameRate)
		if rate <= 0 {
			rate = parseFrameRate(s.RFrameRate)
		}
		if rate > 0 {
			info.Rate = rate
		}
		break
	}

	return info
}

// normalizeTimecode rewrites the drop-frame separator so the value is always
// colon-delimited.
func normalizeTimecode(tc string) string {
	return strings.ReplaceAll(tc, ";", ":")
}

// parseFrameRate parses a frame rate string like "30000/1001" or "25/1"
func parseFrameRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den == 0 {
		return 0
	}
	return num / den
}
