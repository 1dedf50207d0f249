/**
 * @description
 * This package builds PIX "copy-and-paste" (BR Code) payment strings and
 * classifies PIX keys for display. It is a pure computation layer: no I/O,
 * no logging, safe for concurrent use.
 *
 * The payload is an EMV-style sequence of tag-length-value fields terminated
 * by a CRC-16/CCITT-FALSE checksum. Field order, truncation rules, and the
 * checksum algorithm are fixed by the BR Code specification; compliant
 * scanning apps reject any deviation.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Fixed two-decimal amount rendering.
 * - golang.org/x/text: Unicode decomposition for diacritics stripping.
 */
package pix

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// EMV tags used in the payload, in emission order.
const (
	tagFormatIndicator   = "00"
	tagInitiationMethod  = "01"
	tagMerchantAccount   = "26"
	tagMerchantCategory  = "52"
	tagCurrency          = "53"
	tagAmount            = "54"
	tagCountryCode       = "58"
	tagMerchantName      = "59"
	tagMerchantCity      = "60"
	tagAdditionalData    = "62"
	tagCRC               = "63"
	subTagGUI            = "00"
	subTagKey            = "01"
	subTagTxID           = "05"
)

const (
	pixGUI          = "br.gov.bcb.pix"
	currencyBRL     = "986" // ISO 4217 numeric code for Brazilian Real
	countryBR       = "BR"
	defaultCity     = "SAO PAULO"
	fallbackTxID    = "PAGAMENTO"
	maxNameLength   = 25
	maxTxIDLength   = 25
	maxFieldLength  = 99
)

// ErrFieldTooLong is returned when a field value exceeds the two-digit TLV
// length limit. The only unbounded input is the PIX key itself.
var ErrFieldTooLong = errors.New("pix: field value exceeds 99 characters")

var (
	keyCleanPattern  = regexp.MustCompile(`[^0-9A-Za-z@.+-]`)
	alnumOnlyPattern = regexp.MustCompile(`[^0-9A-Za-z]`)
)

// Field renders one tag-length-value triple: tag + zero-padded 2-digit length
// + value. Callers must keep len(value) <= 99.
func Field(tag, value string) string {
	return fmt.Sprintf("%s%02d%s", tag, len(value), value)
}

// CleanKey strips every character from a raw PIX key except alphanumerics
// and '@', '.', '+', '-'.
func CleanKey(raw string) string {
	return keyCleanPattern.ReplaceAllString(raw, "")
}

// PayloadOptions carries the inputs for a BR Code payload.
type PayloadOptions struct {
	Key           string
	Amount        decimal.Decimal
	RecipientName string
	// Description becomes the additional-data transaction id. Optional;
	// a fixed fallback token is used when empty.
	Description string
	// MerchantCity overrides the default city placeholder when non-empty.
	MerchantCity string
}

// Payload assembles the complete BR Code string. It fails only when the
// cleaned key would overflow the TLV length limit; callers are expected to
// degrade to the cleaned key string in that case rather than surfacing an
// error to the end user.
func Payload(opts PayloadOptions) (string, error) {
	key := CleanKey(opts.Key)
	if len(key) > maxFieldLength-len(Field(subTagGUI, pixGUI))-4 {
		return "", fmt.Errorf("%w: key length %d", ErrFieldTooLong, len(key))
	}

	merchantAccount := Field(subTagGUI, pixGUI) + Field(subTagKey, key)
	city := opts.MerchantCity
	if city == "" {
		city = defaultCity
	}

	var b strings.Builder
	b.WriteString(Field(tagFormatIndicator, "01"))
	// "12": this code carries a fixed value and is not reusable.
	b.WriteString(Field(tagInitiationMethod, "12"))
	b.WriteString(Field(tagMerchantAccount, merchantAccount))
	b.WriteString(Field(tagMerchantCategory, "0000"))
	b.WriteString(Field(tagCurrency, currencyBRL))
	b.WriteString(Field(tagAmount, opts.Amount.StringFixed(2)))
	b.WriteString(Field(tagCountryCode, countryBR))
	b.WriteString(Field(tagMerchantName, normalizeMerchantName(opts.RecipientName)))
	b.WriteString(Field(tagMerchantCity, city))
	b.WriteString(Field(tagAdditionalData, Field(subTagTxID, normalizeTxID(opts.Description))))

	// The checksum covers everything up to and including its own tag+length.
	b.WriteString(tagCRC + "04")
	payload := b.String()
	return payload + fmt.Sprintf("%04X", checksumCCITTFalse([]byte(payload))), nil
}

// normalizeMerchantName truncates to 25 characters, upper-cases, then strips
// diacritics by decomposing accented characters and dropping the combining
// marks, leaving only base Latin characters.
func normalizeMerchantName(name string) string {
	runesIn := []rune(name)
	if len(runesIn) > maxNameLength {
		runesIn = runesIn[:maxNameLength]
	}
	upper := strings.ToUpper(string(runesIn))

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, upper)
	if err != nil {
		return upper
	}
	return stripped
}

// normalizeTxID builds the additional-data reference: the description when
// supplied (fallback token otherwise), truncated to 25 characters with every
// non-alphanumeric character removed.
func normalizeTxID(description string) string {
	txid := description
	if txid == "" {
		txid = fallbackTxID
	}
	runesIn := []rune(txid)
	if len(runesIn) > maxTxIDLength {
		runesIn = runesIn[:maxTxIDLength]
	}
	cleaned := alnumOnlyPattern.ReplaceAllString(string(runesIn), "")
	if cleaned == "" {
		cleaned = fallbackTxID
	}
	return cleaned
}
