package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/petervdpas/peerline/internal/app"
)

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".peerline", "config.json")
	}
	return "peerline.json"
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	nickname := flag.String("nick", "", "override nickname")
	mongoURI := flag.String("mongo", "", "override session store mongodb uri")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	if err := app.Run(app.Options{
		ConfigPath: *configPath,
		Nickname:   *nickname,
		MongoURI:   *mongoURI,
	}); err != nil {
		log.Fatalf("APP: %v", err)
	}
}
