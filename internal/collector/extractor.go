package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"marketpulse/internal/model"
)

// Candidate is a structured listing extracted from a fetched payload,
// before normalization into a RawListing.
type Candidate struct {
	ExternalID  string
	Title       string
	Price       *float64
	Currency    string
	Location    string
	Latitude    *float64
	Longitude   *float64
	Category    string
	Description string
	ImageURLs   []string
	SellerRef   string
	Sold        bool
}

// ExtractionError the payload could not be parsed at all. Individual
// malformed entries inside a parseable payload never produce this;
// they are dropped and counted instead.
type ExtractionError struct {
	Kind model.TaskKind
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s payload: %v", e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

var priceExpr = regexp.MustCompile(`([£$€])\s*([\d,]+(?:\.\d+)?)`)

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
}

// Extract parses a fetched payload into listing candidates. Parsing
// is pure and synchronous; no I/O. A candidate missing optional
// fields is still emitted with those fields empty; one missing its
// external id or title is dropped and counted in the second return.
func Extract(payload []byte, kind model.TaskKind) ([]Candidate, int, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return extractJSON(trimmed, kind)
	}
	return extractHTML(trimmed, kind)
}

func extractHTML(payload []byte, kind model.TaskKind) ([]Candidate, int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, 0, &ExtractionError{Kind: kind, Err: err}
	}

	if kind == model.TaskKindDetail {
		return extractDetail(doc)
	}
	return extractSearch(doc)
}

func extractSearch(doc *goquery.Document) ([]Candidate, int, error) {
	var (
		candidates []Candidate
		dropped    int
	)

	doc.Find("[data-listing-id]").Each(func(i int, card *goquery.Selection) {
		c := Candidate{}
		c.ExternalID, _ = card.Attr("data-listing-id")
		c.Title = strings.TrimSpace(card.Find(".listing-title").First().Text())
		c.Location = strings.TrimSpace(card.Find(".listing-location").First().Text())
		c.Category, _ = card.Attr("data-category")

		priceText := strings.TrimSpace(card.Find(".listing-price").First().Text())
		c.Price, c.Currency = parsePrice(priceText)

		if src, ok := card.Find("img").First().Attr("src"); ok && src != "" {
			c.ImageURLs = append(c.ImageURLs, src)
		}

		if c.ExternalID == "" || c.Title == "" {
			dropped++
			return
		}
		candidates = append(candidates, c)
	})

	return candidates, dropped, nil
}

func extractDetail(doc *goquery.Document) ([]Candidate, int, error) {
	root := doc.Find("#listing").First()
	if root.Length() == 0 {
		// Some sources render detail pages with the card markup.
		return extractSearch(doc)
	}

	c := Candidate{}
	c.ExternalID, _ = root.Attr("data-listing-id")
	c.Title = strings.TrimSpace(root.Find(".listing-title").First().Text())
	c.Description = strings.TrimSpace(root.Find(".listing-description").First().Text())
	c.Location = strings.TrimSpace(root.Find(".listing-location").First().Text())
	c.Category, _ = root.Attr("data-category")
	if status, ok := root.Attr("data-status"); ok {
		c.Sold = strings.EqualFold(status, "sold")
	}

	priceText := strings.TrimSpace(root.Find(".listing-price").First().Text())
	c.Price, c.Currency = parsePrice(priceText)

	root.Find(".listing-gallery img").Each(func(i int, img *goquery.Selection) {
		if src, ok := img.Attr("src"); ok && src != "" {
			c.ImageURLs = append(c.ImageURLs, src)
		}
	})

	if ref, ok := root.Find(".listing-seller a").First().Attr("href"); ok {
		c.SellerRef = ref
	}

	if lat, lon, ok := parseCoords(root); ok {
		c.Latitude, c.Longitude = &lat, &lon
	}

	if c.ExternalID == "" || c.Title == "" {
		return nil, 1, nil
	}
	return []Candidate{c}, 0, nil
}

func parseCoords(sel *goquery.Selection) (float64, float64, bool) {
	latText, latOK := sel.Attr("data-lat")
	lonText, lonOK := sel.Attr("data-lon")
	if !latOK || !lonOK {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(latText, 64)
	lon, err2 := strconv.ParseFloat(lonText, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// jsonListing mirrors the JSON feed some sources expose alongside
// their HTML pages.
type jsonListing struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Price       *float64 `json:"price"`
	Currency    string   `json:"currency"`
	Location    string   `json:"location"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Images      []string `json:"images"`
	Seller      string   `json:"seller"`
	Status      string   `json:"status"`
}

func extractJSON(payload []byte, kind model.TaskKind) ([]Candidate, int, error) {
	var entries []jsonListing

	if payload[0] == '{' {
		var wrapper struct {
			Listings []jsonListing `json:"listings"`
		}
		if err := json.Unmarshal(payload, &wrapper); err != nil {
			return nil, 0, &ExtractionError{Kind: kind, Err: err}
		}
		entries = wrapper.Listings
		if entries == nil {
			var single jsonListing
			if err := json.Unmarshal(payload, &single); err == nil && single.ID != "" {
				entries = []jsonListing{single}
			}
		}
	} else {
		if err := json.Unmarshal(payload, &entries); err != nil {
			return nil, 0, &ExtractionError{Kind: kind, Err: err}
		}
	}

	var (
		candidates []Candidate
		dropped    int
	)
	for _, e := range entries {
		if e.ID == "" || e.Title == "" {
			dropped++
			continue
		}
		candidates = append(candidates, Candidate{
			ExternalID:  e.ID,
			Title:       e.Title,
			Price:       e.Price,
			Currency:    e.Currency,
			Location:    e.Location,
			Latitude:    e.Latitude,
			Longitude:   e.Longitude,
			Category:    e.Category,
			Description: e.Description,
			ImageURLs:   e.Images,
			SellerRef:   e.Seller,
			Sold:        strings.EqualFold(e.Status, "sold"),
		})
	}

	return candidates, dropped, nil
}

// parsePrice pulls a numeric price and currency out of display text
// like "$1,234.56". Unparseable text yields a nil price, never an
// error: a listing without a price is still a listing.
func parsePrice(text string) (*float64, string) {
	m := priceExpr.FindStringSubmatch(text)
	if m == nil {
		return nil, ""
	}

	raw := strings.ReplaceAll(m[2], ",", "")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, ""
	}

	return &value, currencySymbols[m[1]]
}

// toRawListing normalizes a candidate into the wire event
func toRawListing(c Candidate, source string, observedAt time.Time) model.RawListing {
	return model.RawListing{
		ExternalID:  c.ExternalID,
		Source:      source,
		Title:       c.Title,
		Price:       c.Price,
		Currency:    c.Currency,
		Location:    c.Location,
		Latitude:    c.Latitude,
		Longitude:   c.Longitude,
		Category:    c.Category,
		Description: c.Description,
		ImageURLs:   c.ImageURLs,
		SellerRef:   c.SellerRef,
		ObservedAt:  observedAt,
		Sold:        c.Sold,
	}
}
