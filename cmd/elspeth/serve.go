package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/elspeth-io/elspeth/common/config"
	"github.com/elspeth-io/elspeth/common/db"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/plugin"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the lineage API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load("elspeth")
			if err != nil {
				return plugin.Configf("load configuration: %v", err)
			}
			log := newLogger(cmd, cfg)
			if port == 0 {
				port = cfg.Service.Port
			}

			database, err := db.NewFromURL(ctx, cfg.DatabaseURL(), cfg, log)
			if err != nil {
				return err
			}
			defer database.Close()

			store := landscape.NewPostgresStore(database)
			e := newServer(&lineageAPI{
				explainer: landscape.NewExplainer(store),
				health:    database.Health,
			})

			errCh := make(chan error, 1)
			go func() {
				errCh <- e.Start(fmt.Sprintf(":%d", port))
			}()
			log.Info("lineage API listening", "port", port)

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return e.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (defaults to PORT)")
	return cmd
}

func newServer(api *lineageAPI) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/health", api.Health)
	e.GET("/api/runs/:run_id", api.RunSummary)
	e.GET("/api/runs/:run_id/rows/:row_id", api.RowTrace)
	e.GET("/api/tokens/:token_id", api.TokenTrace)
	return e
}

// lineageAPI serves read-only landscape queries.
type lineageAPI struct {
	explainer *landscape.Explainer
	health    func(ctx context.Context) error
}

func (a *lineageAPI) Health(c echo.Context) error {
	if a.health != nil {
		if err := a.health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "elspeth",
	})
}

func (a *lineageAPI) RunSummary(c echo.Context) error {
	summary, err := a.explainer.Summarize(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return lineageError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (a *lineageAPI) RowTrace(c echo.Context) error {
	trace, err := a.explainer.TraceRow(c.Request().Context(), c.Param("run_id"), c.Param("row_id"))
	if err != nil {
		return lineageError(err)
	}
	return c.JSON(http.StatusOK, trace)
}

func (a *lineageAPI) TokenTrace(c echo.Context) error {
	trace, err := a.explainer.TraceToken(c.Request().Context(), c.Param("token_id"))
	if err != nil {
		return lineageError(err)
	}
	return c.JSON(http.StatusOK, trace)
}

func lineageError(err error) error {
	if errors.Is(err, landscape.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
