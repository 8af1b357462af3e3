package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	box, err := newSandbox(cfg.Root)
	if err != nil {
		log.Fatalf("Cannot serve %s: %v", cfg.Root, err)
	}

	var idx *searchIndex
	if cfg.EnableSearch {
		idx, err = newSearchIndex(box.root)
		if err != nil {
			log.Fatalf("Cannot open search index: %v", err)
		}
		// Initial indexing runs in the background so the server is
		// reachable immediately even for large trees.
		go func() {
			if err := idx.indexAll(); err != nil {
				log.Printf("Warning: initial indexing failed: %v", err)
			}
		}()
	}

	var store *collabStore
	var collabHub *hub
	if cfg.EnableCollab {
		store, err = openCollabStore(cfg.DataDir)
		if err != nil {
			log.Fatalf("Cannot open collaboration store: %v", err)
		}
		collabHub = newHub(store)
	}

	application, err := newApp(cfg, box, idx, collabHub)
	if err != nil {
		log.Fatal(err)
	}

	watcher, err := watchTree(box.root, defaultDebounce)
	if err != nil {
		log.Printf("Warning: Cannot watch %s for changes: %v", box.root, err)
	} else {
		if idx != nil {
			go application.consumeIndexEvents(watcher.subscribe())
		}
		go application.consumeReloadEvents(watcher.subscribe())
	}

	addr := fmt.Sprintf("localhost:%d", cfg.Port)
	url := fmt.Sprintf("http://%s", addr)
	if cfg.SingleFile != "" {
		url += "/" + cfg.SingleFile
	}

	fmt.Printf("Serving %s at %s\n", box.root, url)
	fmt.Println("Press Ctrl+C to quit")

	if cfg.OpenBrowser {
		go func() {
			time.Sleep(500 * time.Millisecond)
			openURL(url)
		}()
	}

	server := &http.Server{
		Addr:        addr,
		Handler:     application.routes(),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout intentionally omitted: SSE and websocket
		// connections are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigint

		log.Println("\nShutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if watcher != nil {
			watcher.close()
		}
		if collabHub != nil {
			collabHub.closeAll()
		}

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}

		if store != nil {
			if err := store.close(); err != nil {
				log.Printf("Store close error: %v", err)
			}
		}
		if idx != nil {
			if err := idx.close(); err != nil {
				log.Printf("Index close error: %v", err)
			}
		}
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func openURL(url string) {
	var cmd string
	var args []string

	switch {
	case fileExists("/usr/bin/open"): // macOS
		cmd = "open"
		args = []string{url}
	case fileExists("/usr/bin/xdg-open"): // Linux
		cmd = "xdg-open"
		args = []string{url}
	default: // Windows
		cmd = "cmd"
		args = []string{"/c", "start", url}
	}

	c := exec.Command(cmd, args...)
	if err := c.Start(); err != nil {
		log.Printf("Failed to open URL %s: %v", url, err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
