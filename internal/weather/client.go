// Package weather fetches forecasts from the CPTEC/INPE public XML service.
package weather

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/mistervb/meli-climate-notifications/internal/domain"
)

const DefaultBaseURL = "http://servicos.cptec.inpe.br/XML"

// ErrCityNotFound is returned when the city registry has no match.
var ErrCityNotFound = errors.New("city not found")

type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a CPTEC client. baseURL is overridable for tests; empty
// selects the public service.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

type forecastXML struct {
	XMLName     xml.Name      `xml:"cidade"`
	Nome        string        `xml:"nome"`
	UF          string        `xml:"uf"`
	Atualizacao string        `xml:"atualizacao"`
	Previsoes   []previsaoXML `xml:"previsao"`
}

type previsaoXML struct {
	Dia    string  `xml:"dia"`
	Tempo  string  `xml:"tempo"`
	Maxima int     `xml:"maxima"`
	Minima int     `xml:"minima"`
	IUV    float64 `xml:"iuv"`
}

type cityListXML struct {
	XMLName xml.Name  `xml:"cidades"`
	Cidades []cityXML `xml:"cidade"`
}

type cityXML struct {
	Nome string `xml:"nome"`
	UF   string `xml:"uf"`
	ID   string `xml:"id"`
}

// Forecast returns the multi-day forecast for a CPTEC city id. Transport
// failures surface as network-class errors for the retry engine.
func (c *Client) Forecast(ctx context.Context, cityID string) (domain.Forecast, error) {
	endpoint := fmt.Sprintf("%s/cidade/%s/previsao.xml", c.baseURL, url.PathEscape(cityID))

	var payload forecastXML
	if err := c.getXML(ctx, endpoint, &payload); err != nil {
		return domain.Forecast{}, fmt.Errorf("cptec forecast city=%s: %w", cityID, err)
	}

	forecast := domain.Forecast{
		CityName:  payload.Nome,
		UF:        payload.UF,
		UpdatedAt: payload.Atualizacao,
	}
	for _, p := range payload.Previsoes {
		forecast.Days = append(forecast.Days, domain.ForecastDay{
			Date:      p.Dia,
			Condition: p.Tempo,
			Min:       p.Minima,
			Max:       p.Maxima,
			UV:        p.IUV,
		})
	}
	return forecast, nil
}

// CitySearch resolves a city name and region code to a CPTEC city entry.
// The registry chokes on accents and compound names, so the query uses the
// first accent-stripped word and the UF filters the response.
func (c *Client) CitySearch(ctx context.Context, name, uf string) (domain.City, error) {
	endpoint := fmt.Sprintf("%s/listaCidades?city=%s", c.baseURL, url.QueryEscape(normalizeCityName(name)))

	var payload cityListXML
	if err := c.getXML(ctx, endpoint, &payload); err != nil {
		return domain.City{}, fmt.Errorf("cptec city search %q: %w", name, err)
	}

	wantName := normalizeCityName(name)
	wantUF := strings.ToUpper(strings.TrimSpace(uf))
	var ufMatch *cityXML
	for i := range payload.Cidades {
		cand := &payload.Cidades[i]
		if !strings.EqualFold(cand.UF, wantUF) {
			continue
		}
		if normalizeCityName(cand.Nome) == wantName {
			return domain.City{ID: cand.ID, Name: cand.Nome, UF: cand.UF}, nil
		}
		if ufMatch == nil {
			ufMatch = cand
		}
	}
	// Fall back to the first city in the right UF; the first-word query can
	// trim compound names past exact comparison.
	if ufMatch != nil {
		return domain.City{ID: ufMatch.ID, Name: ufMatch.Nome, UF: ufMatch.UF}, nil
	}
	return domain.City{}, fmt.Errorf("%w: %s - %s", ErrCityNotFound, name, uf)
}

func (c *Client) getXML(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	dec := xml.NewDecoder(resp.Body)
	dec.CharsetReader = charsetReader
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode xml: %w", err)
	}
	return nil
}

// charsetReader handles the ISO-8859-1 responses CPTEC serves.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "iso-8859-1", "latin1", "windows-1252":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "", "utf-8":
		return input, nil
	default:
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
}

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeCityName lowercases, strips accents and keeps only the first
// word, mirroring what the CPTEC registry accepts.
func normalizeCityName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if stripped, _, err := transform.String(accentStripper, s); err == nil {
		s = stripped
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '\'', r == ' ':
			b.WriteRune(r)
		}
	}
	fields := strings.Fields(b.String())
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
