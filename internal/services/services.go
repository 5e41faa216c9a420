// Package services gates a run on external dependencies. Every declared
// service is probed concurrently until it answers or its timeout expires;
// stages only start once the whole set is ready.
package services

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/specialistvlad/stagecoach/internal/ctxlog"
	"github.com/specialistvlad/stagecoach/internal/environ"
	"github.com/specialistvlad/stagecoach/internal/model"
	"github.com/specialistvlad/stagecoach/internal/shell"
	"golang.org/x/sync/errgroup"
	"resty.dev/v3"
)

// WaitReady probes all services concurrently and blocks until every one is
// ready. The first service to exhaust its timeout fails the whole wait. The
// resolved pipeline environment is visible to endpoint expressions and cmd
// probes.
func WaitReady(ctx context.Context, list []*model.Service, env map[string]string) error {
	if len(list) == 0 {
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	logger.Info("🩺 Waiting for services.", "count", len(list))

	eg, egCtx := errgroup.WithContext(ctx)
	for _, svc := range list {
		eg.Go(func() error {
			return waitOne(egCtx, svc, env)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	logger.Info("Services ready.", "count", len(list))
	return nil
}

func waitOne(ctx context.Context, svc *model.Service, env map[string]string) error {
	logger := ctxlog.FromContext(ctx).With("service", svc.Name)

	probe, err := buildProbe(svc, env)
	if err != nil {
		return fmt.Errorf("service %q: %w", svc.Name, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, svc.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		attemptCtx, attemptCancel := context.WithTimeout(waitCtx, svc.Interval)
		err := probe(attemptCtx)
		attemptCancel()
		if err == nil {
			logger.Info("Service ready.", "attempts", attempt)
			return nil
		}
		lastErr = err
		logger.Debug("Service not ready yet.", "attempt", attempt, "error", err)

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("service %q not ready after %s: %w", svc.Name, svc.Timeout, lastErr)
		case <-time.After(svc.Interval):
		}
	}
}

// buildProbe resolves the service's endpoint against the environment and
// returns the attempt function for its probe kind.
func buildProbe(svc *model.Service, env map[string]string) (func(context.Context) error, error) {
	switch svc.Probe {
	case model.ProbeTCP:
		address, err := environ.EvalString(svc.Address, env, nil)
		if err != nil {
			return nil, fmt.Errorf("resolving address: %w", err)
		}
		return func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", address)
			if err != nil {
				return err
			}
			return conn.Close()
		}, nil

	case model.ProbeHTTP:
		url, err := environ.EvalString(svc.URL, env, nil)
		if err != nil {
			return nil, fmt.Errorf("resolving url: %w", err)
		}
		return func(ctx context.Context) error {
			client := resty.New()
			defer client.Close()
			resp, err := client.R().SetContext(ctx).Get(url)
			if err != nil {
				return err
			}
			if !resp.IsSuccess() {
				return fmt.Errorf("unexpected status %s", resp.Status())
			}
			return nil
		}, nil

	case model.ProbeCmd:
		script, err := environ.EvalString(svc.Command, env, nil)
		if err != nil {
			return nil, fmt.Errorf("resolving command: %w", err)
		}
		return func(ctx context.Context) error {
			return shell.Run(ctx, shell.Command{Script: script, Env: environ.ToEnviron(env)})
		}, nil
	}

	return nil, fmt.Errorf("unknown probe type %q", svc.Probe)
}
