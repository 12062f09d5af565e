// internal/app/helpers.go
package app

import (
	"log"

	logging "github.com/ipfs/go-log/v2"
)

// debugLoggers are the high-frequency subsystems. They stay quiet unless the
// config asks for more.
var debugLoggers = []string{"console", "multiplex", "sequencer", "frame"}

func applyLogLevels(levels map[string]string) {
	for _, name := range debugLoggers {
		_ = logging.SetLogLevel(name, "warn")
	}
	for name, lvl := range levels {
		if err := logging.SetLogLevel(name, lvl); err != nil {
			log.Printf("APP: log level %s=%s: %v", name, lvl, err)
		}
	}
}

func logBanner(dir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Println("Siren console control")
	log.Printf(" Run folder  : %s", dir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("")
	log.Println(" This process drives ONE installation.")
	log.Println(" Consoles, MIDI files and the snapshot")
	log.Println(" all resolve against the run folder.")
	log.Println("────────────────────────────────────────")
}
