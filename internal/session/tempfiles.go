package session

import (
	"os"
	"os/exec"
)

// shredAvailable reports whether the shred(1) utility can be invoked
// on this host. Checked once per process; shred's availability does
// not change while a session is open.
var shredAvailable = func() bool {
	_, err := exec.LookPath("shred")
	return err == nil
}()

// eraseFile securely erases path: it overwrites the file with shred
// -u when shred is available, otherwise falls back to an ordinary
// remove. It reports whether the erase succeeded.
func eraseFile(path string) bool {
	if shredAvailable {
		cmd := exec.Command("shred", "-u", path)
		if err := cmd.Run(); err == nil {
			return true
		}
		// shred failed (e.g. permissions); fall through to a plain
		// delete rather than leaving the temp file behind.
	}
	return os.Remove(path) == nil
}
