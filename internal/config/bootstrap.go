package config

import (
	"log"
	"strings"
	"sync"
)

var bootstrapOnce sync.Once

// Bootstrap performs one-time process initialization. Both binaries call it
// explicitly after loading config; repeat calls are no-ops.
func Bootstrap(cfg *ServerConfig) {
	bootstrapOnce.Do(func() {
		flags := log.LstdFlags
		if strings.EqualFold(cfg.LogLevel, "debug") {
			flags |= log.Lshortfile
		}
		log.SetFlags(flags)
	})
}
