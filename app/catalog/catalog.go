// Package catalog serves the static pricing plans and the currencies offered
// by the dashboard converter.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// CustomPrice marks plans sold through sales rather than self-service.
const CustomPrice = "Custom"

var currencyRegexp = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

//go:embed catalog.yaml
var embeddedCatalog []byte

type Plan struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Price       string   `yaml:"price" json:"price"`
	Description string   `yaml:"description" json:"description"`
	Features    []string `yaml:"features" json:"features"`
	Popular     bool     `yaml:"popular" json:"popular"`
}

// CallToAction is the label shown on the plan button.
func (p Plan) CallToAction() string {
	if p.Price == CustomPrice {
		return "Contact Sales"
	}
	return "Get Started"
}

type Catalog struct {
	Plans      []Plan   `yaml:"plans"`
	Currencies []string `yaml:"currencies"`
}

func Load() (*Catalog, error) {
	return Parse(embeddedCatalog)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	for i := range c.Currencies {
		c.Currencies[i] = strings.ToUpper(strings.TrimSpace(c.Currencies[i]))
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Plans) == 0 {
		return errors.New("catalog has no plans")
	}

	seen := make(map[string]struct{}, len(c.Plans))
	popular := 0
	for _, plan := range c.Plans {
		if plan.ID == "" || plan.Name == "" || plan.Price == "" {
			return fmt.Errorf("plan %q is missing id, name or price", plan.Name)
		}
		if _, dup := seen[plan.ID]; dup {
			return fmt.Errorf("duplicate plan id %q", plan.ID)
		}
		seen[plan.ID] = struct{}{}
		if plan.Popular {
			popular++
		}
	}
	if popular > 1 {
		return errors.New("at most one plan can be marked popular")
	}

	for _, currency := range c.Currencies {
		if !currencyRegexp.MatchString(currency) {
			return fmt.Errorf("invalid currency code %q", currency)
		}
	}
	return nil
}

func (c *Catalog) SupportsCurrency(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, currency := range c.Currencies {
		if currency == code {
			return true
		}
	}
	return false
}
