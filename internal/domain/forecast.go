package domain

// Forecast is a multi-day weather forecast for one city, as returned by the
// CPTEC/INPE service.
type Forecast struct {
	CityName  string        `json:"cityName"`
	UF        string        `json:"uf"`
	UpdatedAt string        `json:"updatedAt"` // YYYY-MM-DD
	Days      []ForecastDay `json:"days"`
}

type ForecastDay struct {
	Date      string  `json:"date"`      // YYYY-MM-DD
	Condition string  `json:"condition"` // CPTEC condition code, e.g. "pt"
	Min       int     `json:"min"`       // °C
	Max       int     `json:"max"`       // °C
	UV        float64 `json:"uv"`
}

// City is a CPTEC city registry entry.
type City struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	UF   string `json:"uf"`
}
