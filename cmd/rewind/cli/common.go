package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/rewind/internal/config"
	"github.com/felixgeelhaar/rewind/internal/events"
	"github.com/felixgeelhaar/rewind/internal/memory"
	"github.com/felixgeelhaar/rewind/internal/observe"
	"github.com/felixgeelhaar/rewind/internal/provider"
	"github.com/felixgeelhaar/rewind/internal/registry"
)

// newEmbedder builds the configured embedding provider.
var newEmbedder = provider.NewEmbedder

// app holds what every command needs: config, observer, event bus and the
// store registry.
type app struct {
	cfg     config.Config
	obs     *observe.Observer
	bus     *events.Bus
	reg     *registry.Manager
	closers []io.Closer
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	res := cfg.Validate()
	if err := res.Err(); err != nil {
		return nil, err
	}

	var obs *observe.Observer
	if jsonOutput {
		obs = observe.NewJSON(cmd.ErrOrStderr(), verbose)
	} else {
		obs = observe.New(cmd.ErrOrStderr(), verbose)
	}
	for _, w := range res.Warnings {
		obs.Log().Warn().Msg(w)
	}

	bus := events.NewBus()
	bus.SubscribeAll(func(e events.Event) {
		obs.Log().Debug().Str("event", string(e.Type)).Str("store", e.StoreID).Msg("event")
	})

	reg := registry.NewManager(cfg.DataDir, registry.Options{
		Store:    memory.Options{Debounce: cfg.Store.Debounce},
		Observer: obs,
		Bus:      bus,
	})
	if err := reg.Initialize(cmd.Context()); err != nil {
		return nil, err
	}

	return &app{cfg: cfg, obs: obs, bus: bus, reg: reg}, nil
}

// Close flushes every open store and releases provider clients.
func (a *app) Close() error {
	errs := []error{a.reg.Close()}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.obs.Close())
	return errors.Join(errs...)
}

// store returns the store named by --db, or the active one.
func (a *app) store(ctx context.Context) (*memory.Store, registry.Entry, error) {
	if dbFlag == "" {
		return a.reg.Active(ctx)
	}
	e, err := a.reg.Resolve(dbFlag)
	if err != nil {
		return nil, registry.Entry{}, err
	}
	s, err := a.reg.Get(ctx, e.ID)
	if err != nil {
		return nil, registry.Entry{}, err
	}
	return s, e, nil
}

// entries returns every entry when all is set, else the --db or active one.
func (a *app) entries(all bool) ([]registry.Entry, error) {
	if all {
		return a.reg.List(), nil
	}
	ref := dbFlag
	if ref == "" {
		ref = a.reg.ActiveID()
	}
	e, err := a.reg.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return []registry.Entry{e}, nil
}

func (a *app) embedder() (provider.Embedder, error) {
	e, err := newEmbedder(a.cfg.Embedder.Resolve())
	if err != nil {
		return nil, err
	}
	a.track(e)
	return e, nil
}

func (a *app) describer() (provider.Describer, error) {
	d, err := provider.NewDescriber(a.cfg.Vision.Resolve())
	if err != nil {
		return nil, err
	}
	a.track(d)
	return d, nil
}

func (a *app) track(v any) {
	if c, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
}

// withApp runs fn with a fresh app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(a *app) error) (err error) {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
