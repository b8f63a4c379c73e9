package network

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/crypto"
	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

// Pairing statuses.
const (
	PairingIdle      = "idle"
	PairingWaiting   = "waiting"
	PairingVerifying = "verifying"
	PairingSuccess   = "success"
	PairingFailed    = "failed"
)

// Pairing steps surfaced to the UI while a handshake is in flight.
const (
	StepIdle                  = "idle"
	StepConnecting            = "connecting"
	StepSendingRequest        = "sending_request"
	StepWaitingForPassphrase  = "waiting_for_passphrase"
	StepDerivingKey           = "deriving_key"
	StepSendingChallenge      = "sending_challenge"
	StepWaitingForChallenge   = "waiting_for_challenge"
	StepRespondingToChallenge = "responding_to_challenge"
	StepVerifyingResponse     = "verifying_response"
	StepConfirming            = "confirming"
	StepSuccess               = "success"
	StepFailed                = "failed"
)

const rejectReasonMismatch = "Passphrase mismatch"

// pairingState tracks one in-flight pairing handshake. It is born on the
// first pair_request (outbound or inbound) and dies on success, failure, or
// disconnect. All access is under the manager's lock.
type pairingState struct {
	status       string
	localDevice  models.DeviceInfo
	remoteDevice *models.DeviceInfo
	passphrase   string
	sharedSecret []byte
	challenge    []byte
	errText      string

	// pendingRequest holds an inbound pair_request while the UI prompts for
	// the passphrase.
	pendingRequest *PairRequestPayload

	// deadline bounds pairing silence; crossing it is terminal.
	deadline time.Time
}

func newPairingState(local models.DeviceInfo, timeout time.Duration) *pairingState {
	return &pairingState{
		status:      PairingIdle,
		localDevice: local,
		deadline:    time.Now().Add(timeout),
	}
}

func (p *pairingState) touch(timeout time.Duration) {
	p.deadline = time.Now().Add(timeout)
}

func (p *pairingState) expired(now time.Time) bool {
	return p.status != PairingSuccess && p.status != PairingFailed && now.After(p.deadline)
}

// StartPairing begins an outbound pairing handshake using the supplied
// passphrase. The result is delivered through the connection state callback.
func (m *Manager) StartPairing(passphrase string) error {
	if passphrase == "" {
		return errors.New("passphrase is required")
	}

	m.mu.Lock()
	if m.conn == nil {
		m.mu.Unlock()
		return errors.New("no active connection")
	}
	if m.pairing != nil && m.pairing.status == PairingVerifying {
		m.mu.Unlock()
		return errors.New("pairing already in progress")
	}

	// The peer's pair_request may already be queued (crossed initiations);
	// the supplied passphrase then answers it directly.
	if pairing := m.pairing; pairing != nil && pairing.pendingRequest != nil {
		request := *pairing.pendingRequest
		pairing.pendingRequest = nil
		pairing.passphrase = passphrase
		m.mu.Unlock()
		return m.issueChallenge(pairing, request)
	}

	pairing := newPairingState(m.options.LocalDevice, m.options.PairingTimeout)
	pairing.passphrase = passphrase
	pairing.status = PairingVerifying
	m.pairing = pairing
	m.setStateLocked(StatusPairing, StepSendingRequest, "")

	msg, err := NewMessage(TypePairRequest, PairRequestPayload{DeviceInfo: m.options.LocalDevice})
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.sendMessage(msg)

	m.mu.Lock()
	if m.pairing == pairing {
		m.setStateLocked(StatusPairing, StepWaitingForChallenge, "")
	}
	m.mu.Unlock()
	return nil
}

// ProvidePassphrase answers a pending inbound pairing request. It derives
// the shared secret and issues the challenge.
func (m *Manager) ProvidePassphrase(passphrase string) error {
	if passphrase == "" {
		return errors.New("passphrase is required")
	}

	m.mu.Lock()
	pairing := m.pairing
	if pairing == nil || pairing.pendingRequest == nil {
		m.mu.Unlock()
		return errors.New("no pairing request pending")
	}
	request := *pairing.pendingRequest
	pairing.pendingRequest = nil
	pairing.passphrase = passphrase
	m.mu.Unlock()

	return m.issueChallenge(pairing, request)
}

// issueChallenge moves the responder into verifying: derive the secret,
// generate the challenge, send pair_challenge.
func (m *Manager) issueChallenge(pairing *pairingState, request PairRequestPayload) error {
	m.mu.Lock()
	m.setStateLocked(StatusPairing, StepDerivingKey, "")
	localID := m.options.LocalDevice.ID
	passphrase := pairing.passphrase
	m.mu.Unlock()

	secret, err := crypto.DeriveSharedSecret(passphrase, localID, request.DeviceInfo.ID)
	if err != nil {
		m.failPairing(pairing, fmt.Sprintf("key derivation failed: %v", err))
		return err
	}
	challenge, err := crypto.GenerateChallenge()
	if err != nil {
		m.failPairing(pairing, fmt.Sprintf("challenge generation failed: %v", err))
		return err
	}

	m.mu.Lock()
	if m.pairing != pairing {
		m.mu.Unlock()
		return errors.New("pairing was cancelled")
	}
	remote := request.DeviceInfo
	remote.Platform = models.NormalizePlatform(remote.Platform)
	pairing.remoteDevice = &remote
	pairing.sharedSecret = secret
	pairing.challenge = challenge
	pairing.status = PairingVerifying
	pairing.touch(m.options.PairingTimeout)
	m.setStateLocked(StatusPairing, StepSendingChallenge, "")
	m.mu.Unlock()

	msg, err := NewMessage(TypePairChallenge, PairChallengePayload{
		Challenge: base64.StdEncoding.EncodeToString(challenge),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	m.sendMessage(msg)
	return nil
}

// handlePairMessage dispatches one inbound pair_* message.
func (m *Manager) handlePairMessage(msg *Message) {
	switch msg.Type {
	case TypePairRequest:
		m.handlePairRequest(msg)
	case TypePairChallenge:
		m.handlePairChallenge(msg)
	case TypePairResponse:
		m.handlePairResponse(msg)
	case TypePairConfirm:
		m.handlePairConfirm(msg)
	case TypePairReject:
		m.handlePairReject(msg)
	}
}

func (m *Manager) handlePairRequest(msg *Message) {
	var payload PairRequestPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}

	m.mu.Lock()
	pairing := m.pairing

	// Crossed pair_requests: both sides initiated with a passphrase already
	// queued. Each side acts as responder to the other's request.
	if pairing != nil && pairing.passphrase != "" && pairing.pendingRequest == nil {
		pairing.touch(m.options.PairingTimeout)
		m.mu.Unlock()
		if err := m.issueChallenge(pairing, payload); err != nil {
			m.reportError(err)
		}
		return
	}

	if pairing == nil || pairing.status == PairingFailed || pairing.status == PairingSuccess {
		pairing = newPairingState(m.options.LocalDevice, m.options.PairingTimeout)
		m.pairing = pairing
	}
	pairing.status = PairingWaiting
	pairing.pendingRequest = &payload
	remote := payload.DeviceInfo
	remote.Platform = models.NormalizePlatform(remote.Platform)
	pairing.remoteDevice = &remote
	m.setStateLocked(StatusPairing, StepWaitingForPassphrase, "")
	onPairingRequest := m.options.Callbacks.OnPairingRequest
	m.mu.Unlock()

	if onPairingRequest != nil {
		onPairingRequest(remote)
	}
}

func (m *Manager) handlePairChallenge(msg *Message) {
	var payload PairChallengePayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}

	m.mu.Lock()
	pairing := m.pairing
	if pairing == nil || pairing.passphrase == "" {
		m.mu.Unlock()
		return
	}
	pairing.touch(m.options.PairingTimeout)
	m.setStateLocked(StatusPairing, StepRespondingToChallenge, "")
	passphrase := pairing.passphrase
	localID := m.options.LocalDevice.ID
	remoteID := ""
	if pairing.remoteDevice != nil {
		remoteID = pairing.remoteDevice.ID
	}
	m.mu.Unlock()

	if remoteID == "" {
		// The initiator learns the responder's ID only from the eventual
		// pair_confirm, so derive against the device we dialed.
		m.mu.Lock()
		if m.lastDevice != nil {
			remoteID = m.lastDevice.ID
		}
		m.mu.Unlock()
	}
	if remoteID == "" {
		m.failPairing(pairing, "challenge received from unknown device")
		return
	}

	challenge, err := base64.StdEncoding.DecodeString(payload.Challenge)
	if err != nil || len(challenge) != crypto.ChallengeSize {
		m.failPairing(pairing, "malformed pairing challenge")
		return
	}

	secret, err := crypto.DeriveSharedSecret(passphrase, localID, remoteID)
	if err != nil {
		m.failPairing(pairing, fmt.Sprintf("key derivation failed: %v", err))
		return
	}

	m.mu.Lock()
	if m.pairing != pairing {
		m.mu.Unlock()
		return
	}
	pairing.sharedSecret = secret
	m.mu.Unlock()

	response := crypto.ChallengeResponse(challenge, secret)
	reply, err := NewMessage(TypePairResponse, PairResponsePayload{
		Response:   base64.StdEncoding.EncodeToString(response),
		DeviceInfo: m.options.LocalDevice,
	})
	if err != nil {
		m.reportError(err)
		return
	}
	m.sendMessage(reply)
}

func (m *Manager) handlePairResponse(msg *Message) {
	var payload PairResponsePayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}

	m.mu.Lock()
	pairing := m.pairing
	if pairing == nil || pairing.challenge == nil || pairing.sharedSecret == nil {
		m.mu.Unlock()
		return
	}
	pairing.touch(m.options.PairingTimeout)
	m.setStateLocked(StatusPairing, StepVerifyingResponse, "")
	challenge := pairing.challenge
	secret := pairing.sharedSecret
	m.mu.Unlock()

	response, err := base64.StdEncoding.DecodeString(payload.Response)
	if err != nil || !crypto.VerifyChallengeResponse(challenge, secret, response) {
		reject, buildErr := NewMessage(TypePairReject, PairRejectPayload{Reason: rejectReasonMismatch})
		if buildErr == nil {
			m.sendMessage(reject)
		}
		m.failPairing(pairing, rejectReasonMismatch)
		return
	}

	m.mu.Lock()
	if m.pairing != pairing {
		m.mu.Unlock()
		return
	}
	remote := payload.DeviceInfo
	remote.Platform = models.NormalizePlatform(remote.Platform)
	pairing.remoteDevice = &remote
	m.setStateLocked(StatusPairing, StepConfirming, "")
	m.mu.Unlock()

	confirm, err := NewMessage(TypePairConfirm, PairConfirmPayload{DeviceInfo: m.options.LocalDevice})
	if err != nil {
		m.reportError(err)
		return
	}
	m.sendMessage(confirm)
	m.completePairing(pairing)
}

func (m *Manager) handlePairConfirm(msg *Message) {
	var payload PairConfirmPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}

	m.mu.Lock()
	pairing := m.pairing
	if pairing == nil || pairing.sharedSecret == nil {
		m.mu.Unlock()
		return
	}
	remote := payload.DeviceInfo
	remote.Platform = models.NormalizePlatform(remote.Platform)
	pairing.remoteDevice = &remote
	m.mu.Unlock()

	m.completePairing(pairing)
}

func (m *Manager) handlePairReject(msg *Message) {
	var payload PairRejectPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}

	m.mu.Lock()
	pairing := m.pairing
	m.mu.Unlock()
	if pairing == nil {
		return
	}
	reason := payload.Reason
	if reason == "" {
		reason = "pairing rejected"
	}
	m.failPairing(pairing, reason)
}

// completePairing materializes the PairedDevice, hands it to the storage
// facade, and enables the data plane.
func (m *Manager) completePairing(pairing *pairingState) {
	m.mu.Lock()
	if m.pairing != pairing || pairing.remoteDevice == nil || pairing.sharedSecret == nil {
		m.mu.Unlock()
		return
	}
	pairing.status = PairingSuccess
	remote := *pairing.remoteDevice
	secret := append([]byte(nil), pairing.sharedSecret...)

	m.remote = &remote
	m.secret = secret
	m.lastDevice = &remote
	m.pairing = nil
	m.setStateLocked(StatusConnected, StepSuccess, "")
	m.mu.Unlock()

	now := time.Now().UnixMilli()
	paired := models.PairedDevice{
		DeviceInfo:    remote,
		SharedSecret:  base64.StdEncoding.EncodeToString(secret),
		PairedAt:      now,
		LastConnected: &now,
	}
	if err := m.options.Store.AddPairedDevice(paired); err != nil {
		m.reportError(fmt.Errorf("persist paired device %q: %w", remote.ID, err))
	}
}

// failPairing terminates pairing. The socket stays up, but no data plane is
// enabled until a new pairing succeeds.
func (m *Manager) failPairing(pairing *pairingState, reason string) {
	m.mu.Lock()
	if m.pairing != pairing {
		m.mu.Unlock()
		return
	}
	pairing.status = PairingFailed
	pairing.errText = reason
	m.pairing = nil
	m.setStateLocked(StatusConnected, StepFailed, reason)
	m.mu.Unlock()
}
