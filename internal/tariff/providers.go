package tariff

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bher20/utilitycost/internal/rates"
)

func init() {
	RegisterParser(ParserConfig{
		Key:         "cemc",
		Name:        "Cumberland Electric Membership Corporation",
		UtilityType: rates.UtilityElectricity,
		Region:      "TN",
		ParseText:   parseCEMC,
	})
	RegisterParser(ParserConfig{
		Key:         "kub",
		Name:        "Knoxville Utilities Board",
		UtilityType: rates.UtilityElectricity,
		Region:      "TN",
		ParseText:   parseKUB,
	})
	RegisterParser(ParserConfig{
		Key:         "whud",
		Name:        "White House Utility District",
		UtilityType: rates.UtilityWater,
		Region:      "TN",
		ParseText:   parseWHUD,
	})
	for _, utility := range []string{rates.UtilityElectricity, rates.UtilityWater} {
		RegisterParser(ParserConfig{
			Key:         "generic-" + utility,
			Name:        "Generic " + utility + " tariff sheet",
			UtilityType: utility,
			ParseText:   parseGeneric,
		})
	}
}

// parseGeneric reads the common layout: a usage charge or tier lines, an
// optional seasonal multiplier and an optional effective date.
func parseGeneric(text string) (Sheet, error) {
	tiers, err := parseTiers(text)
	if err != nil {
		return Sheet{}, err
	}
	price, _ := usageCharge(text)
	return Sheet{
		EffectiveDate:      effectiveDate(text),
		PricePerUnit:       price,
		Tiers:              tiers,
		SeasonalMultiplier: seasonalMultiplier(text),
		RawSection:         text,
	}, nil
}

var cemcSectionRe = regexp.MustCompile(`RESIDENTIAL RATE[^\n]*SCHEDULE RS(?s)(.+?)(?:SUPPLEMENTAL RESIDENTIAL RATE|$)`)

// parseCEMC narrows to the residential RS schedule. The TVA fuel charge is
// billed per kWh alongside the energy charge, so the two are summed.
func parseCEMC(text string) (Sheet, error) {
	section := text
	if m := cemcSectionRe.FindStringSubmatch(text); len(m) >= 2 {
		section = m[0]
	}
	sheet, err := parseGeneric(section)
	if err != nil {
		return Sheet{}, err
	}
	if !sheet.PricePerUnit.IsZero() {
		sheet.PricePerUnit = sheet.PricePerUnit.Add(fuelCharge(section))
	}
	if sheet.EffectiveDate.IsZero() {
		sheet.EffectiveDate = effectiveDate(text)
	}
	return sheet, nil
}

// KUB format: "Summer Period    $0.11740 per kWh"
var kubPeriodRe = regexp.MustCompile(`(Summer|Winter|Transition)\s+Period\s+\$([0-9]+\.[0-9]+)\s*per kWh`)

// parseKUB picks the seasonal period price that governs the sheet's
// effective month: summer June through September, winter December through
// March, transition otherwise. Sheets without periods fall back to the
// generic layout.
func parseKUB(text string) (Sheet, error) {
	periods := make(map[string]decimal.Decimal)
	for _, m := range kubPeriodRe.FindAllStringSubmatch(text, -1) {
		d, err := decimal.NewFromString(m[2])
		if err != nil {
			return Sheet{}, fmt.Errorf("period %s: %w", m[1], err)
		}
		periods[strings.ToLower(m[1])] = d
	}

	sheet, err := parseGeneric(text)
	if err != nil {
		return Sheet{}, err
	}
	if len(periods) == 0 {
		sheet.PricePerUnit = sheet.PricePerUnit.Add(fuelCharge(text))
		return sheet, nil
	}

	season := kubSeason(sheet.EffectiveDate)
	price, ok := periods[season]
	if !ok {
		price, ok = periods["transition"]
	}
	if !ok {
		return Sheet{}, fmt.Errorf("no %s period price", season)
	}
	sheet.PricePerUnit = price
	return sheet, nil
}

func kubSeason(effective time.Time) string {
	if effective.IsZero() {
		return "transition"
	}
	switch effective.Month() {
	case time.June, time.July, time.August, time.September:
		return "summer"
	case time.December, time.January, time.February, time.March:
		return "winter"
	}
	return "transition"
}

var (
	// "Water Use Charge for all customers in 2025 is $0.00866/gallon"
	whudUseRe  = regexp.MustCompile(`Water\s+Use\s+Charge[^$]*\$([0-9.]+)\s*(?:/|per\s+)gallon`)
	whudYearRe = regexp.MustCompile(`(\d{4})\s+Water\s+Rates`)
)

// parseWHUD reads the district's water sheet. Tier lines win over the flat
// use charge; a "2025 Water Rates" heading dates the sheet to January 1 of
// that year when no explicit effective date is given.
func parseWHUD(text string) (Sheet, error) {
	sheet, err := parseGeneric(text)
	if err != nil {
		return Sheet{}, err
	}
	if m := whudUseRe.FindStringSubmatch(text); len(m) > 1 {
		d, err := decimal.NewFromString(m[1])
		if err != nil {
			return Sheet{}, fmt.Errorf("water use charge %q: %w", m[1], err)
		}
		sheet.PricePerUnit = d
	}
	if sheet.EffectiveDate.IsZero() {
		if m := whudYearRe.FindStringSubmatch(text); len(m) > 1 {
			if t, err := time.Parse("2006", m[1]); err == nil {
				sheet.EffectiveDate = t.UTC()
			}
		}
	}
	return sheet, nil
}
