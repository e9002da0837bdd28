package main

import (
	"context"
	"log"

	"github.com/clipberry/clipberry/internal/config"
	"github.com/clipberry/clipberry/internal/daemon"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app := daemon.NewApp(cfg, nil)

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}

}
