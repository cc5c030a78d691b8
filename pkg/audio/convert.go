package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of interleaved PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatOf returns the [Format] of a stream config.
func FormatOf(c StreamConfig) Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// Converter converts interleaved int16 PCM from one format to another. It logs
// a warning on the first conversion so format mismatches show up once.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	From, To Format
	warned   sync.Once
}

// Convert returns pcm converted to c.To. When the formats match, pcm is
// returned unchanged. Resampling happens before channel conversion so stereo
// is never resampled when the target is mono.
func (c *Converter) Convert(pcm []int16) []int16 {
	if c.From == c.To {
		return pcm
	}
	c.warned.Do(func() {
		slog.Warn("audio format mismatch: converting", "from", c.From, "to", c.To)
	})

	channels := c.From.Channels
	if channels > 2 && c.To.Channels <= 2 {
		pcm = Downmix(pcm, channels, 2)
		channels = 2
	}
	if c.From.SampleRate != c.To.SampleRate {
		pcm = Resample(pcm, channels, c.From.SampleRate, c.To.SampleRate)
	}
	switch {
	case channels == c.To.Channels:
	case channels == 1 && c.To.Channels == 2:
		pcm = MonoToStereo(pcm)
	case channels == 2 && c.To.Channels == 1:
		pcm = StereoToMono(pcm)
	default:
		pcm = Downmix(pcm, channels, c.To.Channels)
	}
	return pcm
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []int16) []int16 {
	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []int16) []int16 {
	frames := len(pcm) / 2
	out := make([]int16, frames)
	for i := range frames {
		out[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
	}
	return out
}

// Downmix maps frames of from channels onto to channels. Extra source
// channels are averaged into the last destination channel; missing ones
// repeat the last source channel.
func Downmix(pcm []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	frames := len(pcm) / from
	out := make([]int16, frames*to)
	for f := range frames {
		src := pcm[f*from : (f+1)*from]
		dst := out[f*to : (f+1)*to]
		for ch := range to {
			switch {
			case ch < to-1 && ch < from:
				dst[ch] = src[ch]
			case ch == to-1 && from > to:
				var sum int32
				for _, s := range src[ch:] {
					sum += int32(s)
				}
				dst[ch] = int16(sum / int32(from-ch))
			default:
				dst[ch] = src[min(ch, from-1)]
			}
		}
	}
	return out
}

// Resample converts interleaved PCM with the given channel count from srcRate
// to dstRate using linear interpolation. If the rates match or are invalid,
// pcm is returned unchanged.
func Resample(pcm []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / channels
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(pcm[idx*channels+ch])
			s1 := float64(pcm[next*channels+ch])
			out[i*channels+ch] = int16(math.Round(s0*(1-frac) + s1*frac))
		}
	}
	return out
}

// MixInto adds src into dst sample by sample, clamping to the int16 range.
// Only min(len(dst), len(src)) samples are touched.
func MixInto(dst, src []int16) {
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] = clamp16(int32(dst[i]) + int32(src[i]))
	}
}

// Peak returns the largest absolute sample value in pcm.
func Peak(pcm []int16) int {
	peak := 0
	for _, s := range pcm {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
