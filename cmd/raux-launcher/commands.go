package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	launcher "github.com/aigdat/raux-launcher"
	"github.com/aigdat/raux-launcher/internal/config"
	"github.com/aigdat/raux-launcher/internal/events"
	"github.com/aigdat/raux-launcher/internal/health"
)

// InstallFlags holds flags for the install command.
type InstallFlags struct {
	Version      string
	DownloadURL  string
	LocalRelease string
}

func runLaunch(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := launcher.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := l.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}
	if err := l.Launch(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	l.StopAll(stopCtx)
	return nil
}

func runInstall(configPath string, flags InstallFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flags.Version != "" {
		cfg.Version = flags.Version
	}
	if flags.DownloadURL != "" {
		cfg.DownloadURL = flags.DownloadURL
	}
	if flags.LocalRelease != "" {
		cfg.LocalRelease = flags.LocalRelease
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := launcher.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := l.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	l.InstallEvents().Register("console", events.FuncSink[launcher.InstallProgress](func(ev launcher.InstallProgress) error {
		fmt.Printf("[%s] %s: %s\n", ev.Type, ev.Step, ev.Message)
		return nil
	}))
	return l.Install(ctx)
}

func runStatus(configPath string, flags StatusFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	apiURL := flags.APIUrl
	if apiURL == "" {
		apiURL = "http://" + cfg.StatusAddr + "/api"
	}
	url := apiURL + "/status"
	if flags.Service != "" {
		url += "?service=" + flags.Service
	}

	client := &http.Client{Timeout: flags.APITimeout}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("is the launcher running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status API returned %s", resp.Status)
	}

	if flags.Service != "" {
		var st health.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return err
		}
		printStatuses([]health.Status{st})
		return nil
	}
	var sts []health.Status
	if err := json.NewDecoder(resp.Body).Decode(&sts); err != nil {
		return err
	}
	printStatuses(sts)
	return nil
}

func runStop(configPath string, flags StatusFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	apiURL := flags.APIUrl
	if apiURL == "" {
		apiURL = "http://" + cfg.StatusAddr + "/api"
	}
	client := &http.Client{Timeout: flags.APITimeout}
	resp, err := client.Post(apiURL+"/stop", "application/json", nil)
	if err != nil {
		return fmt.Errorf("is the launcher running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status API returned %s", resp.Status)
	}
	fmt.Println("services stopped")
	return nil
}

func printStatuses(sts []health.Status) {
	for _, st := range sts {
		line := fmt.Sprintf("%-10s %-12s healthy=%-5v", st.Service, st.Status, st.Healthy)
		if st.Version != "" {
			line += " version=" + st.Version
		}
		if st.Port != "" {
			line += " port=" + st.Port
		}
		if st.Error != "" {
			line += " error=" + st.Error
		}
		fmt.Println(line)
	}
}
