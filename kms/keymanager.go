package kms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/cryptoutils"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"github.com/ruteri/tee-artifact-attestation/metrics"
)

// DefaultKeyTag is the application scoped tag of the signing keypair.
const DefaultKeyTag = "com.z1.secureenclave.keypair"

// KeyState is the lifecycle state of the signing keypair.
type KeyState int

const (
	Unprobed KeyState = iota
	HardwareUnavailable
	HardwareAvailableNoKey
	HardwareAvailableWithKey
)

func (s KeyState) String() string {
	switch s {
	case Unprobed:
		return "unprobed"
	case HardwareUnavailable:
		return "hardware-unavailable"
	case HardwareAvailableNoKey:
		return "hardware-available-no-key"
	case HardwareAvailableWithKey:
		return "hardware-available-with-key"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON responses.
func (s KeyState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *KeyState) UnmarshalText(text []byte) error {
	for _, candidate := range []KeyState{Unprobed, HardwareUnavailable, HardwareAvailableNoKey, HardwareAvailableWithKey} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown key state %q", text)
}

// KeyManagerOpts configures a KeyManager.
type KeyManagerOpts struct {
	// Tag under which the key reference is stored. The public key is stored under
	// Tag + ".public". Defaults to DefaultKeyTag.
	Tag     string
	Log     *slog.Logger
	Metrics *metrics.Recorder
}

// KeyManager owns the single hardware isolated keypair of an installation. It
// probes the secure element, generates the keypair at most once, persists its
// reference in the key store and signs with it.
//
// One KeyManager is constructed at startup and shared by every component that needs
// the key. Generation, deletion, probing and reference loading are serialized.
type KeyManager struct {
	element interfaces.SecureElement
	store   interfaces.KeyStore
	tag     string
	log     *slog.Logger
	metrics *metrics.Recorder

	lifecycleMu sync.Mutex

	mu    sync.RWMutex
	state KeyState
	ref   *interfaces.KeyReference
}

func NewKeyManager(element interfaces.SecureElement, store interfaces.KeyStore, opts KeyManagerOpts) *KeyManager {
	tag := opts.Tag
	if tag == "" {
		tag = DefaultKeyTag
	}

	return &KeyManager{
		element: element,
		store:   store,
		tag:     tag,
		log:     common.LoggerOrDiscard(opts.Log).With(slog.String("element", element.Name()), slog.String("store", store.Name())),
		metrics: opts.Metrics,
		state:   Unprobed,
	}
}

// Tag returns the tag of the private key reference.
func (m *KeyManager) Tag() string { return m.tag }

// PublicTag returns the tag of the exported public key.
func (m *KeyManager) PublicTag() string { return m.tag + ".public" }

func (m *KeyManager) State() KeyState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *KeyManager) HasKeypair() bool {
	return m.State() == HardwareAvailableWithKey
}

func (m *KeyManager) HardwareAvailable() bool {
	s := m.State()
	return s == HardwareAvailableNoKey || s == HardwareAvailableWithKey
}

// ProbeCapability creates and immediately deletes an ephemeral key to find out whether the
// secure element is usable. A loaded keypair is kept when the element is available.
func (m *KeyManager) ProbeCapability(ctx context.Context) KeyState {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.probeLocked(ctx)
}

func (m *KeyManager) probeLocked(ctx context.Context) KeyState {
	label := "probe-" + uuid.NewString()

	keyID, err := m.element.CreateKey(ctx, label, true)
	if err != nil {
		m.log.Info("Secure element unavailable", "err", err)
		m.setState(HardwareUnavailable, nil)
		return HardwareUnavailable
	}

	if err := m.element.DeleteKey(ctx, keyID); err != nil {
		m.log.Warn("Failed to delete probe key", slog.String("key", keyID), "err", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ref != nil {
		m.state = HardwareAvailableWithKey
	} else {
		m.state = HardwareAvailableNoKey
	}
	m.log.Debug("Probed secure element", slog.String("state", m.state.String()))
	return m.state
}

// CheckForExistingKey loads a previously generated key reference from the key store. A
// reference whose element key no longer exists is stale and gets removed.
func (m *KeyManager) CheckForExistingKey(ctx context.Context) (bool, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.checkLocked(ctx)
}

func (m *KeyManager) checkLocked(ctx context.Context) (bool, error) {
	state := m.State()
	if state == Unprobed {
		state = m.probeLocked(ctx)
	}
	if state == HardwareUnavailable {
		return false, nil
	}

	ref, err := m.loadReference(ctx)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		m.setState(HardwareAvailableNoKey, nil)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.setState(HardwareAvailableWithKey, ref)
	m.log.Info("Loaded existing keypair", slog.String("key", ref.ElementKeyID))
	return true, nil
}

// loadReference reads the stored reference and confirms the element still holds the key.
func (m *KeyManager) loadReference(ctx context.Context) (*interfaces.KeyReference, error) {
	raw, err := m.store.Get(ctx, m.tag)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		// An orphaned public key is left over from an interrupted deletion.
		if err := m.store.Delete(ctx, m.PublicTag()); err != nil {
			m.log.Warn("Failed to delete orphaned public key", "err", err)
		}
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrKeyRetrievalFailed, err)
	}

	var ref interfaces.KeyReference
	if err := json.Unmarshal(raw, &ref); err != nil || ref.ElementKeyID == "" {
		m.log.Warn("Discarding malformed key reference", slog.String("tag", m.tag))
		m.deleteReferences(ctx)
		return nil, interfaces.ErrKeyNotFound
	}

	if _, err := m.element.PublicKey(ctx, ref.ElementKeyID); err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			m.log.Warn("Discarding stale key reference", slog.String("key", ref.ElementKeyID))
			m.deleteReferences(ctx)
			return nil, interfaces.ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrKeyRetrievalFailed, err)
	}

	return &ref, nil
}

// GenerateKeypair creates the keypair inside the secure element and persists its
// reference. When a keypair already exists it is returned unchanged.
func (m *KeyManager) GenerateKeypair(ctx context.Context) (interfaces.KeyReference, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if ref, ok := m.currentReference(); ok {
		return ref, nil
	}

	// Another process sharing the store may have generated the key already.
	found, err := m.checkLocked(ctx)
	if err != nil {
		return interfaces.KeyReference{}, err
	}
	if found {
		ref, _ := m.currentReference()
		return ref, nil
	}

	if m.State() != HardwareAvailableNoKey {
		return interfaces.KeyReference{}, interfaces.ErrHardwareUnavailable
	}

	return m.generateLocked(ctx)
}

func (m *KeyManager) generateLocked(ctx context.Context) (ref interfaces.KeyReference, err error) {
	defer func() { m.metrics.ObserveKeyOperation("generate", err) }()

	keyID, err := m.element.CreateKey(ctx, m.tag, false)
	if err != nil {
		m.log.Error("Failed to create key", "err", err)
		return interfaces.KeyReference{}, fmt.Errorf("%w: %w", interfaces.ErrKeyGenerationFailed, err)
	}

	pub, err := m.element.PublicKey(ctx, keyID)
	if err != nil {
		m.discardKey(ctx, keyID)
		return interfaces.KeyReference{}, fmt.Errorf("%w: %w", interfaces.ErrPublicKeyExtractionFailed, err)
	}

	der, err := cryptoutils.NewPublicKeyDER(pub)
	if err != nil {
		m.discardKey(ctx, keyID)
		return interfaces.KeyReference{}, fmt.Errorf("%w: %w", interfaces.ErrPublicKeyExtractionFailed, err)
	}

	ref = interfaces.KeyReference{ElementKeyID: keyID, PublicKeyDER: der}
	if err := m.persistReference(ctx, ref); err != nil {
		m.discardKey(ctx, keyID)
		return interfaces.KeyReference{}, err
	}

	m.setState(HardwareAvailableWithKey, &ref)
	m.log.Info("Generated keypair", slog.String("key", keyID))
	return ref, nil
}

func (m *KeyManager) persistReference(ctx context.Context, ref interfaces.KeyReference) error {
	raw, err := json.Marshal(ref)
	if err != nil {
		return &interfaces.PersistenceError{Status: "encode", Err: err}
	}

	if err := m.putReplacing(ctx, m.tag, raw); err != nil {
		return err
	}

	if err := m.putReplacing(ctx, m.PublicTag(), ref.PublicKeyDER); err != nil {
		if delErr := m.store.Delete(ctx, m.tag); delErr != nil {
			m.log.Warn("Failed to roll back key reference", "err", delErr)
		}
		return err
	}

	return nil
}

// putReplacing writes value under tag. An occupied tag is not fatal: checkLocked has
// already discarded every usable reference, so whatever occupies it is replaced.
func (m *KeyManager) putReplacing(ctx context.Context, tag string, value []byte) error {
	err := m.store.Put(ctx, tag, value)
	if errors.Is(err, interfaces.ErrKeyExists) {
		m.log.Warn("Replacing existing key reference", slog.String("tag", tag))
		if err = m.store.Delete(ctx, tag); err == nil {
			err = m.store.Put(ctx, tag, value)
		}
	}
	if err != nil {
		m.log.Error("Failed to persist key reference", slog.String("tag", tag), "err", err)
		return &interfaces.PersistenceError{Status: fmt.Sprintf("%s: put %s", m.store.Name(), tag), Err: err}
	}
	return nil
}

// EnsureKeypair loads the existing keypair or generates one.
func (m *KeyManager) EnsureKeypair(ctx context.Context) (interfaces.KeyReference, error) {
	return m.GenerateKeypair(ctx)
}

// Sign signs the UTF-8 digest string with the keypair. It never creates a key.
func (m *KeyManager) Sign(ctx context.Context, digest string) ([]byte, error) {
	ref, ok := m.currentReference()
	if !ok {
		return nil, interfaces.ErrHardwareUnavailable
	}

	sig, err := m.element.Sign(ctx, ref.ElementKeyID, []byte(digest))
	m.metrics.ObserveKeyOperation("sign", err)
	if err != nil {
		m.log.Error("Failed to sign digest", slog.String("key", ref.ElementKeyID), "err", err)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSigningFailed, err)
	}
	return sig, nil
}

// PublicKeyRepresentation returns the stored public key as base64 encoded PKIX DER.
func (m *KeyManager) PublicKeyRepresentation(ctx context.Context) (string, error) {
	raw, err := m.store.Get(ctx, m.PublicTag())
	if err != nil {
		return "", fmt.Errorf("%w: %w", interfaces.ErrKeyRetrievalFailed, err)
	}

	pub := cryptoutils.PublicKeyDER(raw)
	if err := pub.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", interfaces.ErrPublicKeyExtractionFailed, err)
	}
	return pub.Base64(), nil
}

// PublicKey returns the DER encoded public key of the loaded keypair.
func (m *KeyManager) PublicKey() (cryptoutils.PublicKeyDER, bool) {
	ref, ok := m.currentReference()
	if !ok {
		return nil, false
	}
	return cryptoutils.PublicKeyDER(ref.PublicKeyDER), true
}

// DeleteKeypair removes the element key and both stored references, then probes the
// element again. Deleting when no keypair exists is not an error.
func (m *KeyManager) DeleteKeypair(ctx context.Context) (err error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	defer func() { m.metrics.ObserveKeyOperation("delete", err) }()

	ref, ok := m.currentReference()
	if !ok {
		if raw, err := m.store.Get(ctx, m.tag); err == nil {
			var stored interfaces.KeyReference
			if json.Unmarshal(raw, &stored) == nil && stored.ElementKeyID != "" {
				ref, ok = stored, true
			}
		}
	}

	if ok {
		if err := m.element.DeleteKey(ctx, ref.ElementKeyID); err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
			m.log.Error("Failed to delete element key", slog.String("key", ref.ElementKeyID), "err", err)
			return fmt.Errorf("%w: %w", interfaces.ErrKeyDeletionFailed, err)
		}
	}

	for _, tag := range []string{m.tag, m.PublicTag()} {
		if err := m.store.Delete(ctx, tag); err != nil {
			return &interfaces.PersistenceError{Status: fmt.Sprintf("%s: delete %s", m.store.Name(), tag), Err: err}
		}
	}

	m.setState(m.State(), nil)
	m.probeLocked(ctx)
	m.log.Info("Deleted keypair", slog.Bool("had_key", ok))
	return nil
}

func (m *KeyManager) currentReference() (interfaces.KeyReference, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != HardwareAvailableWithKey || m.ref == nil {
		return interfaces.KeyReference{}, false
	}
	return *m.ref, true
}

func (m *KeyManager) setState(state KeyState, ref *interfaces.KeyReference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.ref = ref
}

func (m *KeyManager) deleteReferences(ctx context.Context) {
	for _, tag := range []string{m.tag, m.PublicTag()} {
		if err := m.store.Delete(ctx, tag); err != nil {
			m.log.Warn("Failed to delete key reference", slog.String("tag", tag), "err", err)
		}
	}
}

func (m *KeyManager) discardKey(ctx context.Context, keyID string) {
	if err := m.element.DeleteKey(ctx, keyID); err != nil {
		m.log.Warn("Failed to discard key", slog.String("key", keyID), "err", err)
	}
}
