//go:build !unix

package disk

import "os"

// Without record locks only the in-process mutex serialises writers, so a
// root must not be shared between processes on these platforms.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
