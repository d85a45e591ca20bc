package browser

import (
	"context"

	"pkt.systems/monkeyfarmer/internal/logx"
	"pkt.systems/monkeyfarmer/schema"
	"pkt.systems/pslog"
)

// Login mirrors a credential prompt opened by the monkey.
type Login struct {
	browser *Browser
	log     pslog.Logger

	id  schema.LoginID
	url string

	username, password, realm          string
	hasUsername, hasPassword, hasRealm bool

	alive bool
	ready bool
}

var loginHandlers = map[string]func(*Login, []string) error{
	"USER":    (*Login).handleUser,
	"PASS":    (*Login).handlePass,
	"REALM":   (*Login).handleRealm,
	"DESTROY": (*Login).handleDestroy,
}

// newLogin parses the tail of LOGIN OPEN WIN <id> URL <url...>.
func newLogin(b *Browser, id schema.LoginID, args []string) (*Login, error) {
	if err := atLeastArgs("LOGIN OPEN", args, 2); err != nil {
		return nil, err
	}
	return &Login{
		browser: b,
		log:     logx.WithLogin(b.log, id),
		id:      id,
		url:     joinedTail(args),
		alive:   true,
	}, nil
}

func (l *Login) handle(action string, args []string) error {
	handler, ok := loginHandlers[action]
	if !ok {
		if l.log != nil {
			l.log.Trace("monkey login action ignored", "action", action)
		}
		return nil
	}
	if err := handler(l, args); err != nil {
		return err
	}
	if l.hasUsername && l.hasPassword && l.hasRealm {
		l.ready = true
	}
	return nil
}

func (l *Login) handleUser(args []string) error {
	if err := atLeastArgs("LOGIN USER", args, 1); err != nil {
		return err
	}
	l.username, l.hasUsername = joinedTail(args), true
	return nil
}

func (l *Login) handlePass(args []string) error {
	if err := atLeastArgs("LOGIN PASS", args, 1); err != nil {
		return err
	}
	l.password, l.hasPassword = joinedTail(args), true
	return nil
}

func (l *Login) handleRealm(args []string) error {
	if err := atLeastArgs("LOGIN REALM", args, 1); err != nil {
		return err
	}
	l.realm, l.hasRealm = joinedTail(args), true
	return nil
}

func (l *Login) handleDestroy(_ []string) error {
	l.alive = false
	if l.log != nil {
		l.log.Debug("monkey login destroyed")
	}
	return nil
}

// ID returns the monkey-assigned login id.
func (l *Login) ID() schema.LoginID { return l.id }

// URL returns the URL that asked for credentials.
func (l *Login) URL() string { return l.url }

// Username returns the prefilled username, if the monkey reported one.
func (l *Login) Username() (string, bool) { return l.username, l.hasUsername }

func (l *Login) Password() (string, bool) { return l.password, l.hasPassword }
func (l *Login) Realm() (string, bool)    { return l.realm, l.hasRealm }

func (l *Login) Alive() bool { return l.alive }

// Ready reports whether username, password and realm have all been seen.
// Once true it stays true.
func (l *Login) Ready() bool { return l.ready }

// SendUsername fills in the username. An empty username resends the one
// reported by the monkey.
func (l *Login) SendUsername(username string) error {
	if !l.alive {
		return schema.ErrLoginClosed
	}
	if username == "" {
		username = l.username
	}
	l.browser.farmer.Tell(schema.CmdLogin, "USERNAME", string(l.id), username)
	return nil
}

// SendPassword fills in the password. An empty password resends the one
// reported by the monkey.
func (l *Login) SendPassword(password string) error {
	if !l.alive {
		return schema.ErrLoginClosed
	}
	if password == "" {
		password = l.password
	}
	l.browser.farmer.Tell(schema.CmdLogin, "PASSWORD", string(l.id), password)
	return nil
}

// Go submits the credentials and waits for the prompt to close.
func (l *Login) Go(ctx context.Context) error {
	return l.finish(ctx, "GO")
}

// Destroy cancels the prompt and waits for it to close.
func (l *Login) Destroy(ctx context.Context) error {
	return l.finish(ctx, "DESTROY")
}

func (l *Login) finish(ctx context.Context, action string) error {
	if !l.alive {
		return schema.ErrLoginClosed
	}
	l.browser.farmer.Tell(schema.CmdLogin, action, string(l.id))
	_, err := l.browser.waitFor(ctx, 0, func() bool { return !l.alive })
	return err
}
