// Command manager-example connects to one MCP server through an in-process
// proxy and prints what it exposes.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-client-hub-go/pkg/mcpproxy"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <server-url>", os.Args[0])
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	r := mux.NewRouter()
	mcpproxy.New(&mcpproxy.Options{Client: &http.Client{}}).Register(r)
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	manager := mcpmgr.NewManager(&mcpmgr.ManagerOptions{
		ProxyURL:   "http://" + ln.Addr().String(),
		ClientName: "manager-example",
		Store:      mcpmgr.NewMemoryStore(),
	})
	manager.OnStatusChange(func(rec mcpmgr.ServerRecord) {
		fmt.Printf("status %s: %s\n", rec.Name, rec.Status)
	})

	id, err := manager.AddServer(os.Args[1], nil)
	if err != nil {
		log.Fatalf("add server: %v", err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = manager.ConnectServer(connectCtx, id, nil)
	cancel()
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	rec, err := manager.Server(id)
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	if rec.ServerInfo != nil {
		fmt.Printf("Connected to %s %s over %s\n", rec.ServerInfo.Name, rec.ServerInfo.Version, rec.Transport)
	}
	for _, t := range manager.GetAllTools() {
		fmt.Printf("tool     %s\n", t.Tool.Name)
	}
	for _, r := range manager.GetAllResources() {
		fmt.Printf("resource %s\n", r.Resource.URI)
	}
	for _, p := range manager.GetAllPrompts() {
		fmt.Printf("prompt   %s\n", p.Prompt.Name)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Close(closeCtx); err != nil {
		fmt.Printf("close error: %v\n", err)
	}
}
