package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iota-uz/dashsync/modules/layouts/infrastructure/defaults"
	"github.com/iota-uz/dashsync/modules/layouts/infrastructure/gateway"
	"github.com/iota-uz/dashsync/modules/layouts/infrastructure/persistence"
	"github.com/iota-uz/dashsync/modules/layouts/services"
	"github.com/iota-uz/dashsync/pkg/configuration"
	"github.com/iota-uz/dashsync/pkg/retry"
)

type smokeOptions struct {
	gatewayURL string
	local      bool
	layoutID   string
	role       string
}

type smokeRegion struct {
	ID          string `json:"id"`
	Type        string `json:"region_type"`
	GridRow     int    `json:"grid_row"`
	GridCol     int    `json:"grid_col"`
	RowSpan     int    `json:"row_span"`
	ColSpan     int    `json:"col_span"`
	IsCollapsed bool   `json:"is_collapsed"`
	Version     int64  `json:"version"`
	State       string `json:"state"`
}

type smokeReport struct {
	LayoutID      string        `json:"layout_id"`
	Role          string        `json:"role"`
	Regions       []smokeRegion `json:"regions"`
	Conflicts     int           `json:"conflicts"`
	Notifications []string      `json:"notifications,omitempty"`
}

func newSmokeCmd() *cobra.Command {
	var opts smokeOptions

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Drive a layout through the synchronizer and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := configuration.Parse()
			if err != nil {
				return withCode(exitConfig, err)
			}
			if strings.TrimSpace(opts.gatewayURL) == "" {
				opts.gatewayURL = conf.Layout.GatewayURL
			}
			if strings.TrimSpace(opts.layoutID) == "" {
				opts.layoutID = "smoke-" + uuid.NewString()
			}
			return runSmoke(cmd.Context(), conf, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.gatewayURL, "gateway", "", "Layout API base URL (defaults to LAYOUT_GATEWAY_URL)")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Use an in-process layout service instead of the HTTP API")
	cmd.Flags().StringVar(&opts.layoutID, "layout", "", "Layout id (random when empty)")
	cmd.Flags().StringVar(&opts.role, "role", "dispatcher", "Role whose default dashboard is loaded")
	return cmd
}

func newSmokeGateway(conf *configuration.Configuration, opts smokeOptions, log *logrus.Entry) (services.Gateway, error) {
	if !opts.local {
		gw, err := gateway.NewHTTPGateway(opts.gatewayURL, gateway.HTTPOptions{
			Timeout:         conf.Layout.GatewayTimeout,
			RequestIDHeader: conf.RequestIDHeader,
		})
		if err != nil {
			return nil, withCode(exitUsage, err)
		}
		return gw, nil
	}

	catalog, err := defaults.Load(conf.Layout.DefaultsPath)
	if err != nil {
		return nil, withCode(exitConfig, err)
	}
	service := services.NewLayoutService(persistence.NewMemoryRegionRepository(), catalog, log)
	return gateway.NewLocalGateway(service), nil
}

func runSmoke(ctx context.Context, conf *configuration.Configuration, opts smokeOptions, out io.Writer) error {
	log := logrus.NewEntry(conf.Logger()).WithField("layout_id", opts.layoutID)

	gw, err := newSmokeGateway(conf, opts, log)
	if err != nil {
		return err
	}

	store := services.NewRegionStore(gw, services.StoreOptions{
		Debounce: conf.Layout.Debounce,
		Retry: retry.Options{
			Attempts:  conf.Layout.RetryAttempts,
			BaseDelay: conf.Layout.RetryBaseDelay,
			MaxDelay:  conf.Layout.RetryMaxDelay,
		},
		Logger: log,
	})
	defer store.Close()

	var (
		mu            sync.Mutex
		notifications []string
	)
	notifier := services.NotifierFunc(func(_ context.Context, n services.Notification) {
		mu.Lock()
		defer mu.Unlock()
		notifications = append(notifications, fmt.Sprintf("%s: %s: %s", n.Level, n.Title, n.Message))
	})

	facade := services.NewLayoutFacade(ctx, store, opts.layoutID,
		services.WithNotifier(notifier),
		services.WithFacadeLogger(log),
		services.WithConflictPolicy(conf.Layout.ConflictPolicy),
	)
	defer facade.Close()
	if err := facade.Error(); err != nil {
		return withCode(exitGateway, fmt.Errorf("load layout %s: %w", opts.layoutID, err))
	}

	created, err := facade.LoadRoleDefaults(ctx, opts.role)
	if err != nil {
		return withCode(exitGateway, err)
	}

	if len(created) > 0 {
		first := created[0]
		if err := facade.UpdateRegionPosition(ctx, first.ID, first.GridRow+1, first.GridCol); err != nil {
			return withCode(exitGateway, err)
		}
		if err := facade.ToggleCollapse(ctx, created[len(created)-1].ID); err != nil {
			return withCode(exitGateway, err)
		}
	}
	if err := facade.Save(ctx); err != nil {
		return withCode(exitGateway, err)
	}

	ids := make([]string, 0, len(created))
	for i := len(created) - 1; i >= 0; i-- {
		ids = append(ids, created[i].ID)
	}
	if len(ids) > 1 {
		if err := facade.ReorderRegions(ctx, ids); err != nil {
			return withCode(exitGateway, err)
		}
	}

	if err := facade.Reload(ctx); err != nil {
		return withCode(exitGateway, err)
	}

	mu.Lock()
	report := smokeReport{
		LayoutID:      opts.layoutID,
		Role:          opts.role,
		Conflicts:     len(facade.Conflicts()),
		Notifications: append([]string(nil), notifications...),
	}
	mu.Unlock()
	for _, v := range facade.VersionedRegions() {
		report.Regions = append(report.Regions, smokeRegion{
			ID:          v.ID,
			Type:        string(v.Type),
			GridRow:     v.GridRow,
			GridCol:     v.GridCol,
			RowSpan:     v.RowSpan,
			ColSpan:     v.ColSpan,
			IsCollapsed: v.IsCollapsed,
			Version:     v.Version,
			State:       v.State.String(),
		})
	}

	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	if report.Conflicts > 0 {
		return withCode(exitConflict, fmt.Errorf("layout %s finished with %d unresolved conflicts", opts.layoutID, report.Conflicts))
	}
	return nil
}
