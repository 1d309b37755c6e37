// Command voxreplay runs a recorded WAV file through the capture pipeline
// and reports the utterances the energy VAD segments out of it.
//
// Usage:
//
//	voxreplay [flags] <file.wav>
//
// The input must be PCM16 mono. Rates other than 16 kHz and 24 kHz are
// resampled to 24 kHz before replay.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
