package auth

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/browser"
)

type state int

const (
	stateStart state = iota
	stateCredentials
	stateSubmitted
	stateTwoFactor
	stateRememberDevice
	stateAuthenticated
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateCredentials:
		return "credentials"
	case stateSubmitted:
		return "submitted"
	case stateTwoFactor:
		return "two_factor"
	case stateRememberDevice:
		return "remember_device"
	case stateAuthenticated:
		return "authenticated"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal moves. Every state may also fail.
var transitions = map[state][]state{
	stateStart:          {stateCredentials},
	stateCredentials:    {stateSubmitted},
	stateSubmitted:      {stateTwoFactor, stateAuthenticated},
	stateTwoFactor:      {stateRememberDevice},
	stateRememberDevice: {stateAuthenticated},
}

func (s state) canMoveTo(next state) bool {
	if next == stateFailed {
		return s != stateAuthenticated && s != stateFailed
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// loginMachine drives the password form, and optionally the 2FA form, to the
// authenticated origin. With allowTwoFactor false a verification step is a
// hard failure; that is how an automatic refresh detects lost device trust.
type loginMachine struct {
	page           browser.Page
	settings       Settings
	creds          Credentials
	allowTwoFactor bool
	op             string
	logger         *zap.Logger

	state state
	// history records every state entered, for tests and diagnostics.
	history []state
}

func newLoginMachine(op string, page browser.Page, s Settings, creds Credentials, allowTwoFactor bool, logger *zap.Logger) *loginMachine {
	return &loginMachine{
		page:           page,
		settings:       s,
		creds:          creds,
		allowTwoFactor: allowTwoFactor,
		op:             op,
		logger:         logger,
		state:          stateStart,
		history:        []state{stateStart},
	}
}

// run steps until the machine reaches a terminal state.
func (m *loginMachine) run(ctx context.Context) error {
	for m.state != stateAuthenticated && m.state != stateFailed {
		next, err := m.step(ctx)
		if err != nil {
			m.moveTo(stateFailed)
			m.logger.Warn("Login failed.", zap.Stringer("state", m.history[len(m.history)-2]), zap.Error(err))
			return err
		}
		if !m.state.canMoveTo(next) {
			m.moveTo(stateFailed)
			return apperr.Internal(m.op, fmt.Errorf("illegal login transition %s -> %s", m.state, next))
		}
		m.moveTo(next)
	}
	return nil
}

func (m *loginMachine) moveTo(next state) {
	m.logger.Debug("Login state.", zap.Stringer("from", m.state), zap.Stringer("to", next))
	m.state = next
	m.history = append(m.history, next)
}

func (m *loginMachine) step(ctx context.Context) (state, error) {
	sel := m.settings.Portal.Selectors
	timing := m.settings.Auth

	switch m.state {
	case stateStart:
		m.logger.Info("Navigating to login page.")
		if err := navigate(ctx, m.page, m.settings.Portal.LoginURL, m.settings.NavigationTimeout); err != nil {
			return stateFailed, err
		}
		return stateCredentials, nil

	case stateCredentials:
		if err := m.page.WaitVisible(ctx, sel.LoginForm, timing.FormTimeout); err != nil {
			return stateFailed, apperr.FromContext(m.op+".login_form", err)
		}
		m.logger.Info("Entering credentials.", zap.String("email", m.creds.Email))
		if err := m.page.Fill(ctx, sel.EmailInput, m.creds.Email); err != nil {
			return stateFailed, apperr.FromContext(m.op+".fill_email", err)
		}
		if err := m.page.Fill(ctx, sel.PasswordInput, m.creds.Password); err != nil {
			return stateFailed, apperr.FromContext(m.op+".fill_password", err)
		}
		if err := m.page.Click(ctx, sel.SubmitButton); err != nil {
			return stateFailed, apperr.FromContext(m.op+".submit", err)
		}
		return stateSubmitted, nil

	case stateSubmitted:
		if err := browser.Pause(ctx, timing.SubmitSettle); err != nil {
			return stateFailed, err
		}
		loc, err := m.page.Location(ctx)
		if err != nil {
			return stateFailed, apperr.Internal(m.op+".location", err)
		}
		m.logger.Info("Credentials submitted.", zap.String("url", loc))
		if m.settings.IsVerification(loc) {
			if !m.allowTwoFactor {
				return stateFailed, apperr.Authentication(m.op, "", apperr.ErrTwoFactorRequired)
			}
			if m.creds.TwoFactorCode == "" {
				return stateFailed, apperr.Authentication(m.op, "", apperr.ErrTwoFactorCodeRequired)
			}
			return stateTwoFactor, nil
		}
		if err := m.waitForOrigin(ctx); err != nil {
			return stateFailed, err
		}
		return stateAuthenticated, nil

	case stateTwoFactor:
		if err := m.page.WaitVisible(ctx, sel.CodeInput, timing.FormTimeout); err != nil {
			return stateFailed, apperr.FromContext(m.op+".code_form", err)
		}
		if err := m.page.Fill(ctx, sel.CodeInput, m.creds.TwoFactorCode); err != nil {
			return stateFailed, apperr.FromContext(m.op+".fill_code", err)
		}
		return stateRememberDevice, nil

	case stateRememberDevice:
		m.rememberDevice(ctx)
		if err := m.page.Click(ctx, sel.SubmitButton); err != nil {
			return stateFailed, apperr.FromContext(m.op+".submit_code", err)
		}
		if err := browser.Pause(ctx, timing.SubmitSettle); err != nil {
			return stateFailed, err
		}
		if err := m.waitForOrigin(ctx); err != nil {
			return stateFailed, err
		}
		return stateAuthenticated, nil
	}
	return stateFailed, apperr.Internal(m.op, fmt.Errorf("no step for state %s", m.state))
}

// rememberDevice activates every "remember this device" affordance present.
// Missing affordances are not an error; the device just won't be trusted.
func (m *loginMachine) rememberDevice(ctx context.Context) {
	clicked := 0
	for _, sel := range m.settings.Portal.Selectors.RememberDevice {
		ok, err := m.page.Exists(ctx, sel)
		if err != nil || !ok {
			continue
		}
		if err := m.page.Click(ctx, sel); err != nil {
			m.logger.Debug("Remember-device control not clickable.", zap.String("selector", sel), zap.Error(err))
			continue
		}
		clicked++
	}
	if clicked == 0 {
		m.logger.Warn("No remember-device control found; future logins may ask for 2FA again.")
		return
	}
	m.logger.Info("Requested device trust.", zap.Int("controls", clicked))
}

func (m *loginMachine) waitForOrigin(ctx context.Context) error {
	last, ok, err := pollLocation(ctx, m.page, originPollInterval, m.settings.Auth.OriginTimeout, m.settings.IsAuthenticated)
	if err != nil {
		return apperr.FromContext(m.op+".wait_origin", err)
	}
	if !ok {
		return apperr.Authentication(m.op, fmt.Sprintf("login did not reach %s, ended at %q", m.settings.Portal.AuthenticatedHost, last), nil)
	}
	m.logger.Info("Reached authenticated origin.", zap.String("url", last))
	return nil
}
