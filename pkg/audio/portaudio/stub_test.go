//go:build !portaudio

package portaudio_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/orchestra/pkg/audio"
	"github.com/MrWong99/orchestra/pkg/audio/portaudio"
)

func TestNew_Unavailable(t *testing.T) {
	t.Parallel()
	if _, err := portaudio.New(portaudio.Config{}); !errors.Is(err, audio.ErrBackendUnavailable) {
		t.Errorf("New() error = %v, want ErrBackendUnavailable", err)
	}
}
