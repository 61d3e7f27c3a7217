// Package licensekey generates and structurally validates license key
// strings.
//
// A key looks like MYC1R-7F3K2-Q8ZX4-M2N9P-SKDZ801A2F: prefix, format
// version, plan code, three segments (the first carries a fragment of the
// license id), then the issue timestamp in base36 and a 4-hex-character
// checksum over everything before it.
//
// ChecksumValid proves only that the string is well-formed. It is never
// authorization: access decisions must go through the store-backed
// validation, which checks status and expiry.
package licensekey

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mycelium-ei-lang.com/cloud/models"
)

const (
	Prefix  = "MYC"
	Version = '1'

	segmentLen  = 5
	checksumLen = 4
)

// Crockford-ish alphabet for random segments: no 0/1/O/I lookalikes.
const segmentAlphabet = "23456789ABCDEFGHJKMNPQRSTVWXYZ"

var planCodes = map[models.Plan]byte{
	models.PlanFree:         'F',
	models.PlanPersonal:     'P',
	models.PlanProfessional: 'R',
	models.PlanTeam:         'T',
	models.PlanEnterprise:   'E',
}

var codePlans = map[byte]models.Plan{}

func init() {
	for plan, code := range planCodes {
		codePlans[code] = plan
	}
}

// Parsed is the structural decomposition of a key string.
type Parsed struct {
	PlanCode   byte
	Plan       models.Plan
	IDFragment string
	IssuedAt   time.Time
	// ChecksumValid means the key is well-formed, nothing more.
	ChecksumValid bool
}

// Generate builds a key for the given plan, embedding a fragment of the
// license id in the first segment.
func Generate(plan models.Plan, licenseID string) (string, error) {
	code, ok := planCodes[plan]
	if !ok {
		return "", fmt.Errorf("no key code for plan %q", plan)
	}

	fragment := idFragment(licenseID)
	if fragment == "" {
		return "", fmt.Errorf("license id %q has no usable characters", licenseID)
	}

	segB, err := randomSegment()
	if err != nil {
		return "", err
	}
	segC, err := randomSegment()
	if err != nil {
		return "", err
	}

	ts := strings.ToUpper(strconv.FormatInt(time.Now().Unix(), 36))
	body := fmt.Sprintf("%s%c%c-%s-%s-%s-%s", Prefix, Version, code, fragment, segB, segC, ts)
	return body + checksum(body), nil
}

// Parse decomposes a key string. A structural error means the string does
// not even have the right shape; a well-shaped key with a bad checksum
// parses fine with ChecksumValid=false.
func Parse(key string) (Parsed, error) {
	parts := strings.Split(key, "-")
	if len(parts) != 5 {
		return Parsed{}, fmt.Errorf("expected 5 key segments, got %d", len(parts))
	}

	head := parts[0]
	if len(head) != len(Prefix)+2 || !strings.HasPrefix(head, Prefix) || head[len(Prefix)] != Version {
		return Parsed{}, fmt.Errorf("bad key prefix %q", head)
	}
	code := head[len(head)-1]
	plan, ok := codePlans[code]
	if !ok {
		return Parsed{}, fmt.Errorf("unknown plan code %q", string(code))
	}

	tail := parts[4]
	if len(tail) <= checksumLen {
		return Parsed{}, fmt.Errorf("key tail too short")
	}
	tsPart := tail[:len(tail)-checksumLen]
	sum := tail[len(tail)-checksumLen:]

	unix, err := strconv.ParseInt(strings.ToLower(tsPart), 36, 64)
	if err != nil {
		return Parsed{}, fmt.Errorf("bad key timestamp %q: %w", tsPart, err)
	}

	body := key[:len(key)-checksumLen]
	return Parsed{
		PlanCode:      code,
		Plan:          plan,
		IDFragment:    parts[1],
		IssuedAt:      time.Unix(unix, 0).UTC(),
		ChecksumValid: checksum(body) == sum,
	}, nil
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return strings.ToUpper(fmt.Sprintf("%x", sum[:2]))
}

func idFragment(licenseID string) string {
	cleaned := strings.ToUpper(strings.ReplaceAll(licenseID, "-", ""))
	if len(cleaned) > segmentLen {
		cleaned = cleaned[:segmentLen]
	}
	return cleaned
}

func randomSegment() (string, error) {
	buf := make([]byte, segmentLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	out := make([]byte, segmentLen)
	for i, b := range buf {
		out[i] = segmentAlphabet[int(b)%len(segmentAlphabet)]
	}
	return string(out), nil
}
