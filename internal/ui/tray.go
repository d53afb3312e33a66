package ui

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/run"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/stage"
)

//go:embed icon.png
var iconBytes []byte

const defaultRefreshInterval = 5 * time.Second

type Tray struct {
	store    *run.Store
	doctor   *stage.CachedDoctor
	logger   *slog.Logger
	interval time.Duration

	runsItem     *systray.MenuItem
	servicesItem *systray.MenuItem

	mu   sync.Mutex
	done chan struct{}

	onQuit func()
}

type TrayConfig struct {
	Store           *run.Store
	Doctor          *stage.CachedDoctor
	Logger          *slog.Logger
	RefreshInterval time.Duration
	OnQuit          func()
}

func NewTray(cfg TrayConfig) *Tray {
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Tray{
		store:    cfg.Store,
		doctor:   cfg.Doctor,
		logger:   cfg.Logger,
		interval: interval,
		done:     make(chan struct{}),
		onQuit:   cfg.OnQuit,
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Contentpipe")
	systray.SetTooltip("Content pipeline orchestrator")

	t.runsItem = systray.AddMenuItem(runsTitle(0), "Runs with a stage still ahead")
	t.runsItem.Disable()

	t.servicesItem = systray.AddMenuItem(servicesTitle(nil), "Stage service health")
	t.servicesItem.Disable()

	systray.AddSeparator()

	recheckItem := systray.AddMenuItem("Recheck Services", "Probe every stage service now")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Contentpipe")

	go t.refreshLoop()

	go func() {
		for {
			select {
			case <-recheckItem.ClickedCh:
				t.recheck()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				close(t.done)
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.refresh()
	for {
		select {
		case <-ticker.C:
			t.refresh()
		case <-t.done:
			return
		}
	}
}

func (t *Tray) refresh() {
	active := 0
	if t.store != nil {
		active = len(t.store.Active())
	}
	var report *stage.Report
	if t.doctor != nil {
		report = t.doctor.Peek()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.runsItem.SetTitle(runsTitle(active))
	t.servicesItem.SetTitle(servicesTitle(report))
}

func (t *Tray) recheck() {
	if t.doctor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := t.doctor.Refresh(ctx); err != nil {
		t.logger.Error("service recheck failed", "error", err)
	}
	t.refresh()
}

func runsTitle(active int) string {
	if active == 0 {
		return "Runs: Idle"
	}
	return fmt.Sprintf("Runs: %d active", active)
}

func servicesTitle(report *stage.Report) string {
	if report == nil {
		return "Services: Not checked"
	}
	if report.AllOK {
		return fmt.Sprintf("Services: %d/%d OK", report.Healthy, report.Total)
	}
	return fmt.Sprintf("Services: %d/%d OK (down: %s)", report.Healthy, report.Total, strings.Join(report.Down(), ", "))
}

func (t *Tray) Quit() {
	systray.Quit()
}
