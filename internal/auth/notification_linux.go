//go:build linux

package auth

import (
	"fmt"
	"os/exec"
)

// ShowPairingNotification tells the desktop user a client has paired
func ShowPairingNotification(clientName, surface string) error {
	cmd := exec.Command("notify-send",
		"Audiobook player",
		fmt.Sprintf("%s client '%s' can now control playback", surface, clientName),
		"--urgency=normal",
		"--icon=audio-x-generic",
	)
	return cmd.Run()
}
