package ffmpeg

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/bobarin/cutline/internal/models"
)

// Profile holds the encoder parameters for one output format.
type Profile struct {
	Extension    string            `yaml:"extension"`
	VideoCodec   string            `yaml:"video_codec"`
	PixelFormat  string            `yaml:"pixel_format"`
	CRF          map[string]int    `yaml:"crf"`    // by quality
	Preset       map[string]string `yaml:"preset"` // by quality
	AudioCodec   string            `yaml:"audio_codec"`
	AudioBitrate string            `yaml:"audio_bitrate"`
	ExtraArgs    []string          `yaml:"extra_args"`

	// HWCodecs maps a hardwareAccel name to an encoder that replaces
	// VideoCodec. Hardware encoders are driven by bitrate instead of CRF.
	HWCodecs  map[string]string `yaml:"hw_codecs"`
	HWBitrate map[string]string `yaml:"hw_bitrate"` // by quality
}

// Profiles maps an output format to its encoder profile.
type Profiles map[string]Profile

// DefaultProfiles returns the built-in profile table.
func DefaultProfiles() Profiles {
	h264 := map[string]string{
		"nvenc":        "h264_nvenc",
		"qsv":          "h264_qsv",
		"videotoolbox": "h264_videotoolbox",
		"amf":          "h264_amf",
	}
	hwBitrate := map[string]string{"low": "2M", "medium": "6M", "high": "12M"}
	x264CRF := map[string]int{"low": 28, "medium": 23, "high": 18}
	x264Preset := map[string]string{"low": "veryfast", "medium": "medium", "high": "slow"}

	return Profiles{
		"mp4": {
			Extension:    "mp4",
			VideoCodec:   "libx264",
			PixelFormat:  "yuv420p",
			CRF:          x264CRF,
			Preset:       x264Preset,
			AudioCodec:   "aac",
			AudioBitrate: "192k",
			ExtraArgs:    []string{"-movflags", "+faststart"},
			HWCodecs:     h264,
			HWBitrate:    hwBitrate,
		},
		"mov": {
			Extension:    "mov",
			VideoCodec:   "libx264",
			PixelFormat:  "yuv420p",
			CRF:          x264CRF,
			Preset:       x264Preset,
			AudioCodec:   "aac",
			AudioBitrate: "192k",
			ExtraArgs:    []string{"-movflags", "+faststart"},
			HWCodecs:     h264,
			HWBitrate:    hwBitrate,
		},
		"mkv": {
			Extension:    "mkv",
			VideoCodec:   "libx264",
			PixelFormat:  "yuv420p",
			CRF:          x264CRF,
			Preset:       x264Preset,
			AudioCodec:   "aac",
			AudioBitrate: "192k",
			HWCodecs:     h264,
			HWBitrate:    hwBitrate,
		},
		"webm": {
			Extension:    "webm",
			VideoCodec:   "libvpx-vp9",
			PixelFormat:  "yuv420p",
			CRF:          map[string]int{"low": 40, "medium": 32, "high": 24},
			Preset:       map[string]string{"low": "realtime", "medium": "good", "high": "good"},
			AudioCodec:   "libopus",
			AudioBitrate: "128k",
			ExtraArgs:    []string{"-row-mt", "1"},
		},
	}
}

// LoadProfiles reads YAML overrides from path on top of the defaults.
// Fields left out of the file keep their default value.
func LoadProfiles(path string) (Profiles, error) {
	profiles := DefaultProfiles()
	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read encoder profiles: %w", err)
	}

	var overrides map[string]Profile
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse encoder profiles: %w", err)
	}

	for format, over := range overrides {
		profiles[format] = mergeProfile(profiles[format], over)
	}
	return profiles, nil
}

func mergeProfile(base, over Profile) Profile {
	if over.Extension != "" {
		base.Extension = over.Extension
	}
	if over.VideoCodec != "" {
		base.VideoCodec = over.VideoCodec
	}
	if over.PixelFormat != "" {
		base.PixelFormat = over.PixelFormat
	}
	if over.AudioCodec != "" {
		base.AudioCodec = over.AudioCodec
	}
	if over.AudioBitrate != "" {
		base.AudioBitrate = over.AudioBitrate
	}
	if over.ExtraArgs != nil {
		base.ExtraArgs = over.ExtraArgs
	}
	base.CRF = mergeMap(base.CRF, over.CRF)
	base.Preset = mergeMap(base.Preset, over.Preset)
	base.HWCodecs = mergeMap(base.HWCodecs, over.HWCodecs)
	base.HWBitrate = mergeMap(base.HWBitrate, over.HWBitrate)
	return base
}

func mergeMap[V any](base, over map[string]V) map[string]V {
	if len(over) == 0 {
		return base
	}
	out := make(map[string]V, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Lookup returns the profile for format.
func (p Profiles) Lookup(format string) (Profile, error) {
	if format == "" {
		format = "mp4"
	}
	prof, ok := p[format]
	if !ok {
		return Profile{}, fmt.Errorf("no encoder profile for format %q", format)
	}
	return prof, nil
}

// OutputArgs returns the codec and container arguments for settings. It
// falls back to the software codec when the requested hardware encoder is
// not configured.
func (p Profiles) OutputArgs(settings models.ExportSettings, withAudio bool) ([]string, error) {
	prof, err := p.Lookup(settings.Format)
	if err != nil {
		return nil, err
	}
	quality := string(settings.Quality)
	if quality == "" {
		quality = string(models.QualityMedium)
	}

	var args []string
	if hw, ok := prof.HWCodecs[settings.HardwareAccel]; ok && settings.HardwareAccel != "" {
		args = append(args, "-c:v", hw)
		if br := prof.HWBitrate[quality]; br != "" {
			args = append(args, "-b:v", br)
		}
	} else {
		args = append(args, "-c:v", prof.VideoCodec)
		if crf, ok := prof.CRF[quality]; ok {
			args = append(args, "-crf", strconv.Itoa(crf))
			if prof.VideoCodec == "libvpx-vp9" {
				// constant quality mode for vp9
				args = append(args, "-b:v", "0")
			}
		}
		if preset := prof.Preset[quality]; preset != "" {
			if prof.VideoCodec == "libvpx-vp9" {
				args = append(args, "-deadline", preset)
			} else {
				args = append(args, "-preset", preset)
			}
		}
	}
	if prof.PixelFormat != "" {
		args = append(args, "-pix_fmt", prof.PixelFormat)
	}

	if withAudio {
		args = append(args, "-c:a", prof.AudioCodec)
		if prof.AudioBitrate != "" {
			args = append(args, "-b:a", prof.AudioBitrate)
		}
	} else {
		args = append(args, "-an")
	}
	return append(args, prof.ExtraArgs...), nil
}

// Extension returns the file extension for format, without the dot.
func (p Profiles) Extension(format string) string {
	prof, err := p.Lookup(format)
	if err != nil || prof.Extension == "" {
		return "mp4"
	}
	return prof.Extension
}
