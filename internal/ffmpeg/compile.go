package ffmpeg

import (
	"context"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/mediaingest/transcoderd/internal/logger"
	"github.com/mediaingest/transcoderd/internal/model"
)

// TimecodeProfileName marks the compound profile that burns the source
// timecode into the picture.
const TimecodeProfileName = "H264_LOWRES_TC"

const timecodeProbeTimeout = 15 * time.Second

// Compiler translates profiles into ffmpeg argument vectors.
type Compiler struct {
	ffmpegPath string
	fontFile   string
	prober     *Prober
}

// NewCompiler creates a Compiler. fontFile is the monospace font used for
// timecode burn-in; when it does not exist the burn-in falls back to the
// fontconfig "monospace" alias.
func NewCompiler(ffmpegPath, fontFile string, prober *Prober) *Compiler {
	return &Compiler{ffmpegPath: ffmpegPath, fontFile: fontFile, prober: prober}
}

// FFmpegPath returns the configured ffmpeg binary path.
func (c *Compiler) FFmpegPath() string {
	return c.ffmpegPath
}

// Compile produces the full argv (excluding the ffmpeg binary itself) for
// one job. For the timecode burn-in profile the source file is probed for
// its embedded timecode and frame rate.
func (c *Compiler) Compile(ctx context.Context, profile *model.Profile, inputPath, outputPath string) ([]string, error) {
	var burnin *TimecodeInfo
	if profile != nil && profile.Name == TimecodeProfileName {
		probeCtx, cancel := context.WithTimeout(ctx, timecodeProbeTimeout)
		info, err := c.prober.Timecode(probeCtx, inputPath)
		cancel()
		if err != nil {
			// burn a zero timecode rather than failing the job
			logger.Warn("Timecode probe failed, using defaults", "file", inputPath, "error", err)
			info = TimecodeInfo{Timecode: "00:00:00:00", Rate: DefaultFrameRate}
		}
		burnin = &info
	}

	return BuildArgs(profile, inputPath, outputPath, burnin, c.fontSpec()), nil
}

// fontSpec returns the drawtext font selector: the configured font file when
// it exists, the generic monospace alias otherwise.
func (c *Compiler) fontSpec() string {
	if c.fontFile != "" {
		if _, err := os.Stat(c.fontFile); err == nil {
			return "fontfile=" + c.fontFile
		}
	}
	return "font=monospace"
}

// BuildArgs assembles the argument vector for one transcode. It is a pure
// function of its inputs; probing happens in Compile. A nil profile yields
// a plain remux ("-i in -y out").
func BuildArgs(profile *model.Profile, inputPath, outputPath string, burnin *TimecodeInfo, fontSpec string) []string {
	args := []string{"-i", inputPath}

	if profile != nil {
		args = append(args, "-c:v", profile.VideoCodec, "-b:v", profile.VideoBitrate)
		args = append(args, "-c:a", profile.AudioCodec)
		if profile.AudioBitrate != "" {
			args = append(args, "-b:a", profile.AudioBitrate)
		}
		args = append(args, "-ar", profile.AudioSampleRate, "-ac", profile.AudioChannels)
		args = append(args, SanitizeExtraArgs(profile.ExtraArgs)...)
	}

	if burnin != nil {
		args = injectFilter(args, Drawtext(fontSpec, *burnin))
	}

	args = append(args, "-y", outputPath)
	return args
}

var lineContinuation = regexp.MustCompile(`\\[ \t\n]+`)

// SanitizeExtraArgs normalizes and tokenizes a profile's free-form argument
// string. Line endings become spaces, shell-style line continuations
// (backslash followed by whitespace) collapse to a single space, and the
// filter-graph escape `\:` survives tokenization. Tokens obey shell quoting
// rules; empty tokens and stray backslashes are dropped.
func SanitizeExtraArgs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = lineContinuation.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "\n", " ")

	// Shield the filter-graph escape from the tokenizer's backslash handling.
	const escapedColon = "\x00"
	s = strings.ReplaceAll(s, `\:`, escapedColon)

	tokens, err := shlex.Split(s)
	if err != nil {
		// Unbalanced quoting: degrade to whitespace splitting so a typo in
		// a profile does not make every job fail to compile.
		logger.Warn("Extra args tokenization failed, splitting on whitespace", "error", err)
		tokens = strings.Fields(s)
	}

	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(strings.ReplaceAll(tok, escapedColon, `\:`))
		if tok == "" || tok == `\` {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Drawtext builds the timecode overlay filter. The timecode value is
// single-quoted with its colons escaped so they do not terminate the
// drawtext argument list.
func Drawtext(fontSpec string, info TimecodeInfo) string {
	escaped := strings.ReplaceAll(info.Timecode, ":", `\:`)
	return fmt.Sprintf(
		"drawtext=%s:timecode='%s':r=%s:fontsize=36:fontcolor=white:box=1:boxcolor=0x00000099:x=40:y=40",
		fontSpec, escaped, FormatRate(info.Rate))
}

// FormatRate renders a frame rate for a filter argument: integral rates as
// integers, fractional ones as fixed-point with up to three decimals.
func FormatRate(rate float64) string {
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	if math.Abs(rate-math.Round(rate)) < 1e-9 {
		return strconv.FormatInt(int64(math.Round(rate)), 10)
	}
	s := strconv.FormatFloat(rate, 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return s
}

// filter options that accept a video filter graph as their argument
var filterOptions = map[string]bool{
	"-vf":             true,
	"-filter:v":       true,
	"-filter_complex": true,
}

// injectFilter adds the overlay filter to the argument vector. An existing
// filter option keeps its graph and gets the overlay appended; a bare
// filter option at the end of the vector receives the overlay as its
// argument; otherwise "-vf <filter>" is appended.
func injectFilter(args []string, filter string) []string {
	for i, arg := range args {
		if !filterOptions[arg] {
			continue
		}
		if i+1 < len(args) {
			if !strings.Contains(args[i+1], "drawtext=") {
				args[i+1] = args[i+1] + "," + filter
			}
			return args
		}
		return append(args, filter)
	}
	return append(args, "-vf", filter)
}
