//go:build !linux

package auth

// ShowPairingNotification is a no-op where there is no notification service
func ShowPairingNotification(clientName, surface string) error {
	logger.Infof("%s client %q paired", surface, clientName)
	return nil
}
