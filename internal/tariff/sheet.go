// Package tariff turns published tariff sheets into official rate versions.
package tariff

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	pdf "github.com/ledongthuc/pdf"
	"github.com/shopspring/decimal"

	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/storage"
)

// ErrNoRate is returned when a sheet carries neither a flat charge nor tiers.
var ErrNoRate = errors.New("tariff: no usage charge found")

// Sheet is what a parser reads off one tariff document.
type Sheet struct {
	Provider    string
	UtilityType string
	Region      string
	// EffectiveDate is zero when the sheet does not state one.
	EffectiveDate      time.Time
	PricePerUnit       decimal.Decimal
	Tiers              []storage.RateTier
	SeasonalMultiplier decimal.Decimal
	RawSection         string
}

// RateVersion drafts the catalog entry for s. Identity, version and
// publication fields are filled by the importer.
func (s Sheet) RateVersion() storage.RateVersion {
	return storage.RateVersion{
		UtilityType:        s.UtilityType,
		PricePerUnit:       s.PricePerUnit,
		EffectiveDate:      s.EffectiveDate,
		TieredRates:        s.Tiers,
		SeasonalMultiplier: s.SeasonalMultiplier,
		Region:             s.Region,
		Source:             string(rates.SourceOfficial),
	}
}

// ExtractPDFText opens the PDF at path and returns its plain text.
func ExtractPDFText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	rc, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}

// ParseFile parses the tariff document at path with the provider's parser.
// PDFs go through text extraction; anything else is read as plain text.
func ParseFile(providerKey, path string) (Sheet, error) {
	cfg, ok := GetParser(providerKey)
	if !ok {
		return Sheet{}, fmt.Errorf("no parser registered for provider: %s", providerKey)
	}

	var text string
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		t, err := ExtractPDFText(path)
		if err != nil {
			return Sheet{}, err
		}
		text = t
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Sheet{}, fmt.Errorf("read tariff %s: %w", path, err)
		}
		text = string(raw)
	}
	return ParseText(cfg, text)
}

// ParseText runs cfg's parser and stamps the provider fields on the result.
func ParseText(cfg ParserConfig, text string) (Sheet, error) {
	sheet, err := cfg.ParseText(text)
	if err != nil {
		return Sheet{}, fmt.Errorf("%s: %w", cfg.Key, err)
	}
	sheet.Provider = cfg.Key
	sheet.UtilityType = cfg.UtilityType
	if sheet.Region == "" {
		sheet.Region = cfg.Region
	}
	if sheet.PricePerUnit.IsZero() && len(sheet.Tiers) == 0 {
		return Sheet{}, fmt.Errorf("%s: %w", cfg.Key, ErrNoRate)
	}
	if err := rates.ValidateTiers(sheet.Tiers); err != nil {
		return Sheet{}, fmt.Errorf("%s: %w", cfg.Key, err)
	}
	return sheet, nil
}

var (
	usageDollarsRe = regexp.MustCompile(`(?i)(?:Energy|Water(?: Use)?|Usage) Charge[:\s]*\$?\s*([0-9]*\.?[0-9]+)\s*\$?\s*(?:per|/)\s*(?:kWh|gallon|ccf|unit)`)
	usageCentsRe   = regexp.MustCompile(`(?i)(?:Energy|Water(?: Use)?|Usage) Charge[:\s]*(?:Summer\s+)?([0-9]*\.?[0-9]+)\s*(?:cents?|¢)\s*per\s*(?:kWh|gallon|ccf|unit)`)
	fuelCentsRe    = regexp.MustCompile(`(?i)(?:TVA )?Fuel(?: Cost)?\s*(?:Adjustment|Charge)[:\s]*([0-9]*\.?[0-9]+)\s*(?:cents?|¢)\s*per kWh`)
	fuelDollarsRe  = regexp.MustCompile(`(?i)(?:TVA )?Fuel(?: Cost)?\s*(?:Adjustment|Charge)[:\s]*\$?\s*([0-9]*\.[0-9]+)\s*\$?\s*per kWh`)
	tierLineRe     = regexp.MustCompile(`(?im)^\s*(First|Next|Over|All over)\s+([0-9][0-9,]*(?:\.[0-9]+)?)\s*(?:kWh|gallons?|ccf|units?)?\s*(?:@|at)\s*\$?\s*([0-9]*\.?[0-9]+)`)
	seasonalRe     = regexp.MustCompile(`(?i)Seasonal Multiplier[:\s]*([0-9]*\.?[0-9]+)`)
	effectiveRe    = regexp.MustCompile(`(?i)Effective(?: Date)?[:\s]+([A-Z][a-z]+\.? [0-9]{1,2},? [0-9]{4}|[0-9]{4}-[0-9]{2}-[0-9]{2})`)
)

// usageCharge returns the per-unit usage price, in dollars, stated as
// either dollars or cents.
func usageCharge(text string) (decimal.Decimal, bool) {
	if d, ok := firstDecimal(usageDollarsRe, text); ok {
		return d, true
	}
	if c, ok := firstDecimal(usageCentsRe, text); ok {
		return c.Shift(-2), true
	}
	return decimal.Zero, false
}

// fuelCharge returns the TVA style fuel adjustment in dollars per kWh.
func fuelCharge(text string) decimal.Decimal {
	if c, ok := firstDecimal(fuelCentsRe, text); ok {
		return c.Shift(-2)
	}
	if d, ok := firstDecimal(fuelDollarsRe, text); ok {
		return d
	}
	return decimal.Zero
}

// parseTiers reads "First N @ P", "Next N @ P" and "Over N @ P" lines into
// contiguous brackets.
func parseTiers(text string) ([]storage.RateTier, error) {
	var (
		tiers  []storage.RateTier
		cursor = decimal.Zero
	)
	for _, m := range tierLineRe.FindAllStringSubmatch(text, -1) {
		qty, err := decimal.NewFromString(strings.ReplaceAll(m[2], ",", ""))
		if err != nil {
			return nil, fmt.Errorf("%w: quantity %q", rates.ErrInvalidTiers, m[2])
		}
		price, err := decimal.NewFromString(m[3])
		if err != nil {
			return nil, fmt.Errorf("%w: price %q", rates.ErrInvalidTiers, m[3])
		}

		switch strings.ToLower(m[1]) {
		case "first":
			hi := qty
			tiers = append(tiers, storage.RateTier{TierMin: decimal.Zero, TierMax: &hi, PricePerUnit: price})
			cursor = qty
		case "next":
			hi := cursor.Add(qty)
			tiers = append(tiers, storage.RateTier{TierMin: cursor, TierMax: &hi, PricePerUnit: price})
			cursor = hi
		default:
			tiers = append(tiers, storage.RateTier{TierMin: qty, PricePerUnit: price})
		}
	}
	return tiers, nil
}

func seasonalMultiplier(text string) decimal.Decimal {
	if d, ok := firstDecimal(seasonalRe, text); ok && d.IsPositive() {
		return d
	}
	return decimal.NewFromInt(1)
}

var dateLayouts = []string{"2006-01-02", "January 2, 2006", "January 2 2006", "Jan. 2, 2006", "Jan 2, 2006"}

func effectiveDate(text string) time.Time {
	m := effectiveRe.FindStringSubmatch(text)
	if len(m) < 2 {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, m[1]); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func firstDecimal(re *regexp.Regexp, s string) (decimal.Decimal, bool) {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(m[1])
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
