package upgrade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"matchbot/internal/eventbus"
	"matchbot/internal/notify"
	"matchbot/internal/storage"
	kit "matchbot/internal/transport"
	logx "matchbot/pkg/logx"
)

var errNoStorage = errors.New("storage not configured")

// Deps carries everything the built-in handlers touch. Optional
// collaborators (Queue, Activity, Prefs) may be nil; hook policies degrade
// to their defaults without them.
type Deps struct {
	Log     logx.Logger
	Store   storage.Store
	Adapter kit.Adapter
	Bus     eventbus.Bus
	Engine  *notify.Engine
	Cache   *ResourceCache

	Queue    notify.QueueMembership
	Activity notify.ActivitySource
	Prefs    notify.PreferenceSource
}

// RegisterBuiltins installs the full handler set on r.
func RegisterBuiltins(r *Registry, d Deps) {
	r.Register(HandlerSchemaVersion, &schemaVersionHandler{store: d.Store})
	r.Register(HandlerDataMigration, &dataMigrationHandler{store: d.Store})
	r.Register(HandlerEnsureResource, &ensureResourceHandler{adapter: d.Adapter, cache: d.Cache})
	r.Register(HandlerConfig, &configHandler{store: d.Store, cache: d.Cache})
	r.Register(HandlerRegisterCommand, &registerCommandHandler{adapter: d.Adapter})
	r.Register(HandlerBindEvent, &bindEventHandler{bus: d.Bus, adapter: d.Adapter, log: d.Log, bindings: map[string]func(){}})
	r.Register(HandlerStorageTable, &storageTableHandler{store: d.Store})

	r.Register(HandlerPreprocessHook, &preprocessHookHandler{engine: d.Engine, prefs: d.Prefs})
	r.Register(HandlerExpirationHook, &expirationHookHandler{
		engine: d.Engine, adapter: d.Adapter, queue: d.Queue, activity: d.Activity,
	})
	r.Register(HandlerKeepAliveHook, &keepAliveHookHandler{
		engine: d.Engine, bus: d.Bus, activity: d.Activity,
	})
}

// ---- shared reversal for document mutations ----

type docReversal struct {
	store   storage.Store
	name    string
	prev    map[string]any
	existed bool
}

func (r docReversal) Describe() string {
	if !r.existed {
		return fmt.Sprintf("delete config doc %q", r.name)
	}
	return fmt.Sprintf("restore config doc %q", r.name)
}

func (r docReversal) Revert(ctx context.Context) error {
	if !r.existed {
		return r.store.DeleteDoc(ctx, r.name)
	}
	return r.store.SetDoc(ctx, r.name, r.prev)
}

// ---- schema_version ----

// schemaVersionHandler records the configuration schema version in the
// "schema" document. Action "set" writes params.to.
type schemaVersionHandler struct {
	store storage.Store
}

func (h *schemaVersionHandler) Apply(ctx context.Context, req Request) (Result, error) {
	if h.store == nil {
		return Result{}, errNoStorage
	}
	if req.Action != "set" {
		return Result{}, fmt.Errorf("schema_version: unknown action %q", req.Action)
	}
	to, err := requireStrParam(req.Params, "to")
	if err != nil {
		return Result{}, err
	}
	docName := strParam(req.Params, "doc")
	if docName == "" {
		docName = "schema"
	}

	prev, err := h.store.GetDoc(ctx, docName)
	existed := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}
	if from := strParam(req.Params, "from"); from != "" && existed {
		if cur, _ := prev["version"].(string); cur != from {
			return Result{}, fmt.Errorf("schema_version: current version %q, want %q", cur, from)
		}
	}
	if _, err := h.store.UpdateDoc(ctx, docName, map[string]any{"version": to}); err != nil {
		return Result{}, err
	}
	return Result{
		Details:  fmt.Sprintf("schema version set to %s", to),
		Rollback: docReversal{store: h.store, name: docName, prev: prev, existed: existed},
	}, nil
}

// ---- data_migration ----

// dataMigrationHandler transforms fields in a named config document.
// Actions: add_field, rename_field, remove_field.
type dataMigrationHandler struct {
	store storage.Store
}

func (h *dataMigrationHandler) Apply(ctx context.Context, req Request) (Result, error) {
	if h.store == nil {
		return Result{}, errNoStorage
	}
	docName, err := requireStrParam(req.Params, "doc")
	if err != nil {
		return Result{}, err
	}
	field, err := requireStrParam(req.Params, "field")
	if err != nil {
		return Result{}, err
	}

	prev, err := h.store.GetDoc(ctx, docName)
	existed := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}

	next := map[string]any{}
	for k, v := range prev {
		next[k] = v
	}

	var details string
	switch req.Action {
	case "add_field":
		next[field] = req.Params["value"]
		details = fmt.Sprintf("added %s.%s", docName, field)
	case "rename_field":
		to, err := requireStrParam(req.Params, "to")
		if err != nil {
			return Result{}, err
		}
		v, ok := next[field]
		if !ok {
			return Result{}, fmt.Errorf("data_migration: field %q not present in %q", field, docName)
		}
		delete(next, field)
		next[to] = v
		details = fmt.Sprintf("renamed %s.%s to %s", docName, field, to)
	case "remove_field":
		delete(next, field)
		details = fmt.Sprintf("removed %s.%s", docName, field)
	default:
		return Result{}, fmt.Errorf("data_migration: unknown action %q", req.Action)
	}

	if err := h.store.SetDoc(ctx, docName, next); err != nil {
		return Result{}, err
	}
	return Result{
		Details:  details,
		Rollback: docReversal{store: h.store, name: docName, prev: prev, existed: existed},
	}, nil
}

// ---- ensure_resource ----

// ensureResourceHandler ensures a shared resource exists. Action "channel"
// provisions a channel through the adapter; action "role" records an
// externally managed role id. Either result lands in the resource cache
// under params.cache_key (default: the resource name) for later steps'
// template resolution.
type ensureResourceHandler struct {
	adapter kit.Adapter
	cache   *ResourceCache
}

type channelReversal struct {
	prov      kit.ChannelProvisioner
	channelID string
	name      string
}

func (r channelReversal) Describe() string {
	return fmt.Sprintf("remove channel %q (%s)", r.name, r.channelID)
}

func (r channelReversal) Revert(ctx context.Context) error {
	return r.prov.RemoveChannel(ctx, r.channelID)
}

func (h *ensureResourceHandler) Apply(ctx context.Context, req Request) (Result, error) {
	name, err := requireStrParam(req.Params, "name")
	if err != nil {
		return Result{}, err
	}
	cacheKey := strParam(req.Params, "cache_key")
	if cacheKey == "" {
		cacheKey = name
	}

	switch req.Action {
	case "channel":
		prov, ok := h.adapter.(kit.ChannelProvisioner)
		if !ok {
			return Result{}, fmt.Errorf("ensure_resource: transport cannot provision channels")
		}
		id, created, err := prov.EnsureChannel(ctx, name)
		if err != nil {
			return Result{}, err
		}
		if h.cache != nil {
			h.cache.Put("channel", cacheKey, id)
		}
		res := Result{Details: fmt.Sprintf("channel %q -> %s (created=%v)", name, id, created)}
		if created {
			res.Rollback = channelReversal{prov: prov, channelID: id, name: name}
		}
		return res, nil

	case "role":
		// Roles live in an external membership system; ensuring one here
		// means recording its id for template resolution.
		id, err := requireStrParam(req.Params, "id")
		if err != nil {
			return Result{}, err
		}
		if h.cache != nil {
			h.cache.Put("role", cacheKey, id)
		}
		return Result{Details: fmt.Sprintf("role %q -> %s", name, id)}, nil

	default:
		return Result{}, fmt.Errorf("ensure_resource: unknown action %q", req.Action)
	}
}

// ---- config ----

// configHandler mutates named config documents. Actions: "set" replaces the
// doc, "update" merges fields, "remove" deletes the listed keys. String
// values may carry {scope:key} placeholders; the orchestrator resolves them
// before the handler runs, and cached config values are published back
// under {config:doc.field}.
type configHandler struct {
	store storage.Store
	cache *ResourceCache
}

func (h *configHandler) Apply(ctx context.Context, req Request) (Result, error) {
	if h.store == nil {
		return Result{}, errNoStorage
	}
	name, err := requireStrParam(req.Params, "name")
	if err != nil {
		return Result{}, err
	}

	prev, err := h.store.GetDoc(ctx, name)
	existed := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}

	var details string
	switch req.Action {
	case "set":
		fields := mapParam(req.Params, "fields")
		if fields == nil {
			return Result{}, fmt.Errorf("config: param \"fields\" is required")
		}
		if err := h.store.SetDoc(ctx, name, fields); err != nil {
			return Result{}, err
		}
		h.cacheFields(name, fields)
		details = fmt.Sprintf("set doc %q (%d fields)", name, len(fields))

	case "update":
		fields := mapParam(req.Params, "fields")
		if fields == nil {
			return Result{}, fmt.Errorf("config: param \"fields\" is required")
		}
		if _, err := h.store.UpdateDoc(ctx, name, fields); err != nil {
			return Result{}, err
		}
		h.cacheFields(name, fields)
		details = fmt.Sprintf("updated doc %q (%d fields)", name, len(fields))

	case "remove":
		keys := strSliceParam(req.Params, "keys")
		if len(keys) == 0 {
			return Result{}, fmt.Errorf("config: param \"keys\" is required")
		}
		fields := make(map[string]any, len(keys))
		for _, k := range keys {
			fields[k] = nil
		}
		if _, err := h.store.UpdateDoc(ctx, name, fields); err != nil {
			return Result{}, err
		}
		details = fmt.Sprintf("removed %s from doc %q", strings.Join(keys, ","), name)

	default:
		return Result{}, fmt.Errorf("config: unknown action %q", req.Action)
	}

	return Result{
		Details:  details,
		Rollback: docReversal{store: h.store, name: name, prev: prev, existed: existed},
	}, nil
}

func (h *configHandler) cacheFields(doc string, fields map[string]any) {
	if h.cache == nil {
		return
	}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			h.cache.Put("config", doc+"."+k, s)
		}
	}
}

// ---- register_command ----

// registerCommandHandler maintains the bot command menu. It tracks the full
// registered set so rollback can restore the previous menu.
type registerCommandHandler struct {
	adapter kit.Adapter

	mu       sync.Mutex
	commands map[string]string // command -> description
}

type commandsReversal struct {
	h     *registerCommandHandler
	names []string
}

func (r commandsReversal) Describe() string {
	return fmt.Sprintf("unregister commands %s", strings.Join(r.names, ","))
}

func (r commandsReversal) Revert(ctx context.Context) error {
	return r.h.remove(ctx, r.names)
}

func (h *registerCommandHandler) Apply(ctx context.Context, req Request) (Result, error) {
	if _, ok := h.adapter.(kit.CommandMenuUpdater); !ok {
		return Result{}, fmt.Errorf("register_command: transport has no command menu")
	}

	switch req.Action {
	case "register":
		raw, ok := req.Params["commands"].([]any)
		if !ok || len(raw) == 0 {
			return Result{}, fmt.Errorf("register_command: param \"commands\" is required")
		}
		var names []string
		h.mu.Lock()
		if h.commands == nil {
			h.commands = map[string]string{}
		}
		for _, v := range raw {
			m, ok := v.(map[string]any)
			if !ok {
				h.mu.Unlock()
				return Result{}, fmt.Errorf("register_command: commands entries must be objects")
			}
			name := strings.TrimPrefix(strParam(m, "command"), "/")
			if name == "" {
				h.mu.Unlock()
				return Result{}, fmt.Errorf("register_command: entry missing \"command\"")
			}
			h.commands[name] = strParam(m, "description")
			names = append(names, name)
		}
		h.mu.Unlock()
		if err := h.push(ctx); err != nil {
			return Result{}, err
		}
		return Result{
			Details:  fmt.Sprintf("registered %s", strings.Join(names, ",")),
			Rollback: commandsReversal{h: h, names: names},
		}, nil

	case "unregister":
		names := strSliceParam(req.Params, "commands")
		if len(names) == 0 {
			return Result{}, fmt.Errorf("register_command: param \"commands\" is required")
		}
		if err := h.remove(ctx, names); err != nil {
			return Result{}, err
		}
		return Result{Details: fmt.Sprintf("unregistered %s", strings.Join(names, ","))}, nil

	default:
		return Result{}, fmt.Errorf("register_command: unknown action %q", req.Action)
	}
}

func (h *registerCommandHandler) remove(ctx context.Context, names []string) error {
	h.mu.Lock()
	for _, n := range names {
		delete(h.commands, strings.TrimPrefix(n, "/"))
	}
	h.mu.Unlock()
	return h.push(ctx)
}

func (h *registerCommandHandler) push(ctx context.Context) error {
	updater, ok := h.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	h.mu.Lock()
	cmds := make([]kit.BotCommand, 0, len(h.commands))
	for name, desc := range h.commands {
		cmds = append(cmds, kit.BotCommand{Command: name, Description: desc})
	}
	h.mu.Unlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Command < cmds[j].Command })
	return updater.UpdateMenuCommands(ctx, cmds)
}

// ---- bind_event ----

// bindEventHandler forwards bus events to a shared channel. One binding per
// (event, channel) pair; rebinding replaces the template.
type bindEventHandler struct {
	bus     eventbus.Bus
	adapter kit.Adapter
	log     logx.Logger

	mu       sync.Mutex
	bindings map[string]func() // binding id -> unsubscribe
}

type bindingReversal struct {
	h  *bindEventHandler
	id string
}

func (r bindingReversal) Describe() string { return fmt.Sprintf("unbind %s", r.id) }

func (r bindingReversal) Revert(ctx context.Context) error {
	r.h.unbind(r.id)
	return nil
}

func (h *bindEventHandler) Apply(ctx context.Context, req Request) (Result, error) {
	event, err := requireStrParam(req.Params, "event")
	if err != nil {
		return Result{}, err
	}

	switch req.Action {
	case "bind":
		channelID, err := requireStrParam(req.Params, "channel_id")
		if err != nil {
			return Result{}, err
		}
		template := strParam(req.Params, "template")
		if template == "" {
			template = "{event}: {recipient} ({kind})"
		}
		id := event + "->" + channelID

		ch, unsub := h.bus.Subscribe(32, event)
		go h.forward(ch, channelID, template)

		h.mu.Lock()
		if old, ok := h.bindings[id]; ok {
			old()
		}
		h.bindings[id] = unsub
		h.mu.Unlock()

		return Result{
			Details:  fmt.Sprintf("bound %s to channel %s", event, channelID),
			Rollback: bindingReversal{h: h, id: id},
		}, nil

	case "unbind":
		channelID, err := requireStrParam(req.Params, "channel_id")
		if err != nil {
			return Result{}, err
		}
		h.unbind(event + "->" + channelID)
		return Result{Details: fmt.Sprintf("unbound %s from channel %s", event, channelID)}, nil

	default:
		return Result{}, fmt.Errorf("bind_event: unknown action %q", req.Action)
	}
}

func (h *bindEventHandler) unbind(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if unsub, ok := h.bindings[id]; ok {
		unsub()
		delete(h.bindings, id)
	}
}

func (h *bindEventHandler) forward(ch <-chan eventbus.Event, channelID, template string) {
	for ev := range ch {
		text := notify.Render(template, eventFields(ev))
		sctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		if _, err := h.adapter.SendChannel(sctx, channelID, text); err != nil {
			h.log.Debug("event forward failed",
				logx.String("event", ev.Type), logx.String("channel", channelID), logx.Err(err))
		}
		cancel()
	}
}

// eventFields flattens an event payload into template data.
func eventFields(ev eventbus.Event) map[string]string {
	out := map[string]string{"event": ev.Type}
	switch d := ev.Data.(type) {
	case eventbus.NotificationEvent:
		out["recipient"] = d.RecipientID
		out["kind"] = d.Kind
		out["via"] = d.Via
		for k, v := range d.Context {
			out[k] = v
		}
	case eventbus.ResponseEvent:
		out["recipient"] = d.RecipientID
		out["kind"] = d.Kind
		out["response"] = d.Response
		for k, v := range d.Context {
			out[k] = v
		}
	case eventbus.UpgradeEvent:
		out["run_id"] = d.RunID
		out["target"] = d.Target
		out["success"] = fmt.Sprintf("%v", d.Success)
	}
	return out
}

// ---- storage_table ----

// storageTableHandler runs DDL through the storage layer. Actions: ensure,
// alter_add, drop. Only a freshly created table gets a rollback; dropping
// data is one-way.
type storageTableHandler struct {
	store storage.Store
}

type tableReversal struct {
	store storage.Store
	name  string
}

func (r tableReversal) Describe() string { return fmt.Sprintf("drop table %q", r.name) }

func (r tableReversal) Revert(ctx context.Context) error {
	return r.store.DropTable(ctx, r.name)
}

func (h *storageTableHandler) Apply(ctx context.Context, req Request) (Result, error) {
	if h.store == nil {
		return Result{}, errNoStorage
	}
	table, err := requireStrParam(req.Params, "table")
	if err != nil {
		return Result{}, err
	}

	switch req.Action {
	case "ensure":
		created, err := h.store.EnsureTable(ctx, table, strMapParam(req.Params, "columns"))
		if err != nil {
			return Result{}, err
		}
		res := Result{Details: fmt.Sprintf("table %q (created=%v)", table, created)}
		if created {
			res.Rollback = tableReversal{store: h.store, name: table}
		}
		return res, nil

	case "alter_add":
		column, err := requireStrParam(req.Params, "column")
		if err != nil {
			return Result{}, err
		}
		typ, err := requireStrParam(req.Params, "type")
		if err != nil {
			return Result{}, err
		}
		if err := h.store.AlterTableAdd(ctx, table, column, typ); err != nil {
			return Result{}, err
		}
		return Result{Details: fmt.Sprintf("added %s.%s %s", table, column, typ)}, nil

	case "drop":
		if err := h.store.DropTable(ctx, table); err != nil {
			return Result{}, err
		}
		return Result{Details: fmt.Sprintf("dropped table %q", table)}, nil

	default:
		return Result{}, fmt.Errorf("storage_table: unknown action %q", req.Action)
	}
}
