package player

import (
	"fmt"
	"io"
	"os/exec"
)

// pcmStream decodes an audio file to raw s16le PCM on stdout, optionally
// starting offsetMs into the file. The cleanup func kills the decoder.
func pcmStream(path string, offsetMs int64) (io.ReadCloser, func(), error) {
	args := []string{}
	if offsetMs > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", float64(offsetMs)/1000))
	}
	args = append(args,
		"-i", path,
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", fmt.Sprintf("%d", channels),
		"-loglevel", "warning",
		"pipe:1",
	)

	cmd := exec.Command("ffmpeg", args...)

	reader, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe error: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("command start error: %w", err)
	}

	cleanup := func() {
		cmd.Process.Kill()
		cmd.Wait()
	}

	return reader, cleanup, nil
}
