package routeros

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ros "github.com/go-routeros/routeros/v3"
	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/metrics"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/rate"
)

const (
	pathSecret = "/ppp/secret"
	pathActive = "/ppp/active"
	pathQueue  = "/queue/simple"
)

// errDuplicateName marks an add that lost a race with another writer of the
// same name.
var errDuplicateName = errors.New("duplicate name")

// reply is one API exchange: the !re rows and the "ret" attribute of !done,
// which carries the id of an added item.
type reply struct {
	rows []map[string]string
	ret  string
}

// runner executes one API sentence.
type runner interface {
	run(args []string) (reply, error)
	close()
}

type rosRunner struct {
	c *ros.Client
}

func (r *rosRunner) run(args []string) (reply, error) {
	res, err := r.c.RunArgs(args)
	if err != nil {
		return reply{}, err
	}
	out := reply{rows: make([]map[string]string, 0, len(res.Re))}
	for _, re := range res.Re {
		out.rows = append(out.rows, re.Map)
	}
	if res.Done != nil {
		out.ret = res.Done.Map["ret"]
	}
	return out, nil
}

func (r *rosRunner) close() {
	r.c.Close()
}

type ClientOptions struct {
	Address  string
	Port     int
	Username string
	Password string
	// Timeout bounds each dial and each API round trip.
	Timeout time.Duration
}

// Client talks to one router over the RouterOS API. The API connection is
// synchronous, so calls are serialized per router; a call that overruns its
// timeout drops the connection and the next call redials.
type Client struct {
	routerID string
	opts     ClientOptions
	dial     func(ctx context.Context) (runner, error)

	mu   sync.Mutex
	conn runner
}

func NewClient(routerID string, opts ClientOptions) *Client {
	if opts.Port == 0 {
		opts.Port = 8728
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	c := &Client{routerID: routerID, opts: opts}
	c.dial = func(ctx context.Context) (runner, error) {
		addr := net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port))
		timeout := opts.Timeout
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
			timeout = time.Until(dl)
		}
		rc, err := ros.DialTimeout(addr, opts.Username, opts.Password, timeout)
		if err != nil {
			return nil, err
		}
		return &rosRunner{c: rc}, nil
	}
	return c
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
	}
	return nil
}

func (c *Client) call(ctx context.Context, op string, args ...string) (reply, error) {
	start := time.Now()
	res, err := c.exec(ctx, args)
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		status = "not_found"
	case errors.Is(err, model.ErrRouterUnavailable):
		status = "unavailable"
	default:
		status = "error"
	}
	metrics.Default().ObserveCall("access_router_calls_total", "access_router_call_latency_ms", start, map[string]string{"op": op, "status": status})
	if err != nil && status != "not_found" {
		log.WithFields(log.Fields{"event": "router_call", "router_id": c.routerID, "op": op, "status": status}).WithError(err).Debug("router call failed")
	}
	return res, err
}

func (c *Client) exec(ctx context.Context, args []string) (reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return reply{}, fmt.Errorf("%w: dial %s: %v", model.ErrRouterUnavailable, c.opts.Address, err)
		}
		c.conn = conn
	}

	type result struct {
		reply reply
		err   error
	}
	done := make(chan result, 1)
	conn := c.conn
	go func() {
		r, err := conn.run(args)
		done <- result{reply: r, err: err}
	}()

	select {
	case <-ctx.Done():
		// Closing the connection unblocks the pending read.
		conn.close()
		c.conn = nil
		return reply{}, fmt.Errorf("%w: %s: %v", model.ErrRouterUnavailable, args[0], ctx.Err())
	case res := <-done:
		if res.err == nil {
			return res.reply, nil
		}
		err := classify(res.err)
		if errors.Is(err, model.ErrRouterUnavailable) {
			conn.close()
			c.conn = nil
		}
		return reply{}, fmt.Errorf("%s: %w", args[0], err)
	}
}

// classify maps device traps and transport failures onto the error taxonomy.
func classify(err error) error {
	var devErr *ros.DeviceError
	if errors.As(err, &devErr) {
		msg := ""
		if devErr.Sentence != nil {
			msg = devErr.Sentence.Map["message"]
		}
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "no such item"):
			return fmt.Errorf("%w: %s", model.ErrNotFound, msg)
		case strings.Contains(lower, "cannot log in"), strings.Contains(lower, "invalid user name or password"):
			return fmt.Errorf("%w: %s", model.ErrRouterUnavailable, msg)
		case strings.Contains(lower, "already have"), strings.Contains(lower, "already exists"):
			return fmt.Errorf("%w: %w: %s", model.ErrRouterRejected, errDuplicateName, msg)
		}
		return fmt.Errorf("%w: %s", model.ErrRouterRejected, msg)
	}
	return fmt.Errorf("%w: %v", model.ErrRouterUnavailable, err)
}

func (c *Client) findID(ctx context.Context, op, path, field, value string) (string, error) {
	res, err := c.call(ctx, op, path+"/print", "?"+field+"="+value, "=.proplist=.id")
	if err != nil {
		return "", err
	}
	if len(res.rows) == 0 {
		return "", nil
	}
	return res.rows[0][".id"], nil
}

// upsert sets the item named name when it exists and adds it otherwise. An
// add that races a concurrent writer of the same name falls back to a set.
func (c *Client) upsert(ctx context.Context, kind, path, name string, fields []string) (string, error) {
	set := func(id string) (string, error) {
		if _, err := c.call(ctx, kind+"_set", append([]string{path + "/set", "=.id=" + id}, fields...)...); err != nil {
			return "", err
		}
		return id, nil
	}
	id, err := c.findID(ctx, kind+"_find", path, "name", name)
	if err != nil {
		return "", err
	}
	if id != "" {
		return set(id)
	}
	res, err := c.call(ctx, kind+"_add", append([]string{path + "/add"}, fields...)...)
	if err == nil {
		return res.ret, nil
	}
	if !errors.Is(err, errDuplicateName) {
		return "", err
	}
	id, ferr := c.findID(ctx, kind+"_find", path, "name", name)
	if ferr != nil {
		return "", ferr
	}
	if id == "" {
		return "", err
	}
	return set(id)
}

func (c *Client) ListAccounts(ctx context.Context) ([]model.Account, error) {
	res, err := c.call(ctx, "account_list", pathSecret+"/print")
	if err != nil {
		return nil, err
	}
	out := make([]model.Account, 0, len(res.rows))
	for _, r := range res.rows {
		limit, _ := strconv.ParseInt(r["limit-bytes-out"], 10, 64)
		out = append(out, model.Account{
			ID:            r[".id"],
			Username:      r["name"],
			Password:      r["password"],
			Service:       r["service"],
			Profile:       r["profile"],
			Comment:       r["comment"],
			LimitBytesOut: limit,
			Disabled:      r["disabled"] == "true",
		})
	}
	return out, nil
}

func (c *Client) UpsertAccount(ctx context.Context, acct model.Account) (model.Account, error) {
	if strings.TrimSpace(acct.Username) == "" {
		return model.Account{}, &model.ValidationError{Field: "username", Reason: "is required"}
	}
	if acct.Service == "" {
		acct.Service = "any"
	}
	fields := []string{
		"=name=" + acct.Username,
		"=password=" + acct.Password,
		"=service=" + acct.Service,
		"=limit-bytes-out=" + strconv.FormatInt(acct.LimitBytesOut, 10),
		"=disabled=" + yesNo(acct.Disabled),
	}
	if acct.Profile != "" {
		fields = append(fields, "=profile="+acct.Profile)
	}
	if acct.Comment != "" {
		fields = append(fields, "=comment="+acct.Comment)
	}

	id, err := c.upsert(ctx, "account", pathSecret, acct.Username, fields)
	if err != nil {
		return model.Account{}, err
	}
	acct.ID = id
	return acct, nil
}

func (c *Client) DeleteAccount(ctx context.Context, id string) error {
	_, err := c.call(ctx, "account_delete", pathSecret+"/remove", "=.id="+id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) ListActiveSessions(ctx context.Context) ([]model.ActiveSession, error) {
	res, err := c.call(ctx, "active_list", pathActive+"/print")
	if err != nil {
		return nil, err
	}
	out := make([]model.ActiveSession, 0, len(res.rows))
	for _, r := range res.rows {
		out = append(out, model.ActiveSession{
			ID:       r[".id"],
			Username: r["name"],
			Service:  r["service"],
			CallerID: r["caller-id"],
			Address:  r["address"],
			Uptime:   r["uptime"],
		})
	}
	return out, nil
}

func (c *Client) DisconnectActiveSession(ctx context.Context, id string) error {
	_, err := c.call(ctx, "active_disconnect", pathActive+"/remove", "=.id="+id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) ListQueues(ctx context.Context) ([]model.Queue, error) {
	res, err := c.call(ctx, "queue_list", pathQueue+"/print")
	if err != nil {
		return nil, err
	}
	out := make([]model.Queue, 0, len(res.rows))
	for _, r := range res.rows {
		burstLimit := listedRate(r["burst-limit"], true)
		burstTime := ""
		if burstLimit != "" {
			burstTime = r["burst-time"]
		}
		out = append(out, model.Queue{
			ID:             r[".id"],
			Name:           r["name"],
			Target:         r["target"],
			MaxLimit:       listedRate(r["max-limit"], false),
			BurstLimit:     burstLimit,
			BurstThreshold: listedRate(r["burst-threshold"], true),
			BurstTime:      burstTime,
			Priority:       parsePriority(r["priority"]),
			Parent:         r["parent"],
			Comment:        r["comment"],
			Disabled:       r["disabled"] == "true",
		})
	}
	return out, nil
}

func (c *Client) UpsertQueue(ctx context.Context, q model.Queue) (model.Queue, error) {
	q, err := PrepareQueue(q)
	if err != nil {
		return model.Queue{}, err
	}
	fields := []string{
		"=name=" + q.Name,
		"=target=" + q.Target,
		"=max-limit=" + q.MaxLimit,
		"=priority=" + priorityComposite(q.Priority),
		"=disabled=" + yesNo(q.Disabled),
	}
	if q.BurstLimit != "" {
		fields = append(fields,
			"=burst-limit="+q.BurstLimit,
			"=burst-threshold="+q.BurstThreshold,
			"=burst-time="+q.BurstTime,
		)
	}
	if q.Parent != "" {
		fields = append(fields, "=parent="+q.Parent)
	}
	if q.Comment != "" {
		fields = append(fields, "=comment="+q.Comment)
	}

	id, err := c.upsert(ctx, "queue", pathQueue, q.Name, fields)
	if err != nil {
		return model.Queue{}, err
	}
	q.ID = id
	return q, nil
}

func (c *Client) DeleteQueue(ctx context.Context, id string) error {
	_, err := c.call(ctx, "queue_delete", pathQueue+"/remove", "=.id="+id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

// listedRate renders a rate read back from the router in the same encoding
// PrepareQueue writes, so "5000000/5000000" reads as "5M/5M". With unsetZero,
// the router's "0/0" placeholder for an unset burst field reads as empty.
func listedRate(raw string, unsetZero bool) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	up, down, err := rate.DecodeComposite(raw)
	if err != nil {
		return raw
	}
	if unsetZero && up == 0 && down == 0 {
		return ""
	}
	return rate.EncodeComposite(up, down)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
