// Package capability implements component E: the signed opaque
// envelope handed to FSTs after a successful open/access decision
// (spec §4.6 step 11, §6). A capability is a `&`-separated key=value
// string, symmetrically signed with a keyed MAC that includes the
// signing key's id so verifiers can rotate keys without invalidating
// in-flight capabilities.
//
// Grounded on pkg/errors.go's envelope-building shape (accumulate
// fields, then serialize/sign as one step) and on google/uuid for key
// ids, matching the pack's use of github.com/google/uuid for opaque
// identifiers (gcsfuse, moby) generalized here to symmetric-key ids
// instead of request/object ids.
package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/stratafs/mgm/pkg/errors"
)

// MaxEnvelopeBytes is the XRootD error buffer limit capabilities must
// fit within (spec §4.6 step 11).
const MaxEnvelopeBytes = 2048

// AccessKind is the mgm.access field (spec §6).
type AccessKind string

const (
	AccessRead   AccessKind = "read"
	AccessCreate AccessKind = "create"
	AccessUpdate AccessKind = "update"
	AccessWrite  AccessKind = "write"
	AccessDelete AccessKind = "delete"
	AccessVerify AccessKind = "verify"
)

// ReplicaURL is one stripe's location, rendered as mgm.urlN/mgm.fsidN/
// mgm.localprefixN for multi-stripe layouts (spec §6).
type ReplicaURL struct {
	Host        string
	Port        int
	FsID        int
	LocalPrefix string
}

func (r ReplicaURL) url() string {
	return fmt.Sprintf("root://%s:%d//", r.Host, r.Port)
}

// Fields is the set of key=value pairs encoded into a capability
// before signing (spec §4.6 step 11 enumerates the required keys).
type Fields struct {
	Access       AccessKind
	LayoutID     uint32
	ContainerID  uint64
	UID, GID     uint32
	RUID, RGID   uint32
	Path         string
	Manager      string
	FileID       uint64 // rendered as hex
	BookingSize  uint64
	TargetHost   string
	TargetPort   int
	LocalPrefix  string
	Replicas     []ReplicaURL
	BlockCksum   bool
	Checksum     bool
}

func (f Fields) encode() string {
	var pairs []string
	add := func(k, v string) { pairs = append(pairs, k+"="+url.QueryEscape(v)) }

	add("mgm.access", string(f.Access))
	add("mgm.lid", strconv.FormatUint(uint64(f.LayoutID), 10))
	add("mgm.cid", strconv.FormatUint(f.ContainerID, 10))
	add("mgm.uid", strconv.FormatUint(uint64(f.UID), 10))
	add("mgm.gid", strconv.FormatUint(uint64(f.GID), 10))
	add("mgm.ruid", strconv.FormatUint(uint64(f.RUID), 10))
	add("mgm.rgid", strconv.FormatUint(uint64(f.RGID), 10))
	add("mgm.path", f.Path)
	manager := f.Manager
	if f.TargetHost != "" {
		manager = fmt.Sprintf("%s:%d", f.TargetHost, f.TargetPort)
	}
	add("mgm.manager", manager)
	add("mgm.fid", hex.EncodeToString(uint64ToBytes(f.FileID)))
	add("mgm.bookingsize", strconv.FormatUint(f.BookingSize, 10))
	add("mgm.fsid", strconv.Itoa(f.firstFsID()))
	add("mgm.localprefix", f.LocalPrefix)
	for i, r := range f.Replicas {
		n := strconv.Itoa(i)
		add("mgm.url"+n, r.url())
		add("mgm.fsid"+n, strconv.Itoa(r.FsID))
		add("mgm.localprefix"+n, r.LocalPrefix)
	}
	add("mgm.blockchecksum", boolStr(f.BlockCksum))
	add("mgm.checksum", boolStr(f.Checksum))

	sort.Strings(pairs) // deterministic encoding for signature stability
	return strings.Join(pairs, "&")
}

func (f Fields) firstFsID() int {
	if len(f.Replicas) > 0 {
		return f.Replicas[0].FsID
	}
	return 0
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// TransferFields builds a balance/drain capability: the envelope is a
// concatenation of source.*/target.* fields with replicate URLs (spec
// §6 "For balance/drain the envelope is a concatenation prefixed
// source./target.").
type TransferFields struct {
	Source, Target Fields
	FileIDHex      string
}

func (t TransferFields) encode() string {
	srcURL := fmt.Sprintf("root://%s:%d//replicate:%s", t.Source.TargetHost, t.Source.TargetPort, t.FileIDHex)
	dstURL := fmt.Sprintf("root://%s:%d//replicate:%s", t.Target.TargetHost, t.Target.TargetPort, t.FileIDHex)
	pairs := []string{
		"source.url=" + url.QueryEscape(srcURL),
		"target.url=" + url.QueryEscape(dstURL),
		"source." + t.Source.encode(),
		"target." + t.Target.encode(),
	}
	return strings.Join(pairs, "&")
}

// DropFields builds the drop capability used by the deletion
// dispatcher (spec §4.8): space, fsid, local prefix, and fid list.
type DropFields struct {
	Space       string
	FsID        int
	LocalPrefix string
	FileIDs     []uint64
}

func (d DropFields) encode() string {
	hexIDs := make([]string, len(d.FileIDs))
	for i, id := range d.FileIDs {
		hexIDs[i] = hex.EncodeToString(uint64ToBytes(id))
	}
	pairs := []string{
		"mgm.access=" + string(AccessDelete),
		"mgm.space=" + url.QueryEscape(d.Space),
		"mgm.fsid=" + strconv.Itoa(d.FsID),
		"mgm.localprefix=" + url.QueryEscape(d.LocalPrefix),
		"mgm.fids=" + strings.Join(hexIDs, ","),
	}
	return strings.Join(pairs, "&")
}

// Key is one symmetric signing key, identified by a uuid so verifiers
// can look it up from the key id embedded in a capability's signature
// suffix.
type Key struct {
	ID     string
	Secret []byte
}

// Engine signs and verifies capability envelopes (spec §4.6 step 11,
// §6 "symmetrically signed with a keyed MAC (key id included)").
type Engine struct {
	mu        sync.RWMutex
	keys      map[string]Key
	currentID string
}

// NewEngine returns an Engine seeded with one freshly generated key.
func NewEngine() *Engine {
	e := &Engine{keys: make(map[string]Key)}
	e.Rotate(randomSecret())
	return e
}

func randomSecret() []byte {
	id := uuid.New()
	return id[:]
}

// Rotate installs a new current signing key, keeping prior keys
// available for verification of capabilities issued before rotation.
func (e *Engine) Rotate(secret []byte) Key {
	k := Key{ID: uuid.NewString(), Secret: secret}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys[k.ID] = k
	e.currentID = k.ID
	return k
}

type encodable interface{ encode() string }

// sign produces the envelope <encoded fields>&mgm.keyid=<id>&mgm.sig=<mac>,
// where <mac> is the base64url-encoded HMAC-SHA256 of the encoded fields.
func (e *Engine) sign(f encodable) (string, error) {
	e.mu.RLock()
	keyID := e.currentID
	key := e.keys[keyID]
	e.mu.RUnlock()

	body := f.encode()
	mac := hmac.New(sha256.New, key.Secret)
	mac.Write([]byte(body))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	envelope := body + "&mgm.keyid=" + keyID + "&mgm.sig=" + sig
	if len(envelope) > MaxEnvelopeBytes {
		return "", errors.NewError(errors.ErrCodeOutOfMemory, "capability envelope exceeds 2KiB limit").
			WithDetail("length", len(envelope))
	}
	return envelope, nil
}

// Sign produces a signed access capability envelope.
func (e *Engine) Sign(f Fields) (string, error) { return e.sign(f) }

// SignTransfer produces a signed balance/drain TransferJob envelope.
func (e *Engine) SignTransfer(f TransferFields) (string, error) { return e.sign(f) }

// SignDrop produces a signed deletion-dispatcher drop envelope.
func (e *Engine) SignDrop(f DropFields) (string, error) { return e.sign(f) }

// Verify checks envelope's signature against the key named by its
// embedded mgm.keyid, returning the body (field string, without the
// keyid/sig suffix) on success.
func (e *Engine) Verify(envelope string) (string, error) {
	idx := strings.LastIndex(envelope, "&mgm.sig=")
	if idx < 0 {
		return "", errors.NewError(errors.ErrCodeInternal, "malformed capability: missing signature")
	}
	body := envelope[:idx]
	sig := envelope[idx+len("&mgm.sig="):]

	keyIdx := strings.LastIndex(body, "&mgm.keyid=")
	if keyIdx < 0 {
		return "", errors.NewError(errors.ErrCodeInternal, "malformed capability: missing key id")
	}
	keyID := body[keyIdx+len("&mgm.keyid="):]
	fieldsBody := body[:keyIdx]

	e.mu.RLock()
	key, ok := e.keys[keyID]
	e.mu.RUnlock()
	if !ok {
		return "", errors.NewError(errors.ErrCodeInternal, "unknown capability signing key")
	}

	mac := hmac.New(sha256.New, key.Secret)
	mac.Write([]byte(fieldsBody))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return "", errors.NewError(errors.ErrCodePermissionDenied, "capability signature mismatch")
	}
	return fieldsBody, nil
}
