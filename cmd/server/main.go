package main

import (
	"context"

	"example/chat-gateway/app"

	log "github.com/sirupsen/logrus"
)

func main() {
	srv, closeStore := app.MustInitServer(context.Background())
	defer closeStore()

	router := app.NewRouter(srv)
	addr := "0.0.0.0:" + srv.Port()
	log.Printf("listening on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
