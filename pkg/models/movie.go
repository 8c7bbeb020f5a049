package models

// Movie is a movie summary as returned in upstream listings.
type Movie struct {
	ID               int64   `json:"id"`
	Title            string  `json:"title"`
	OriginalTitle    string  `json:"original_title,omitempty"`
	OriginalLanguage string  `json:"original_language,omitempty"`
	Overview         string  `json:"overview"`
	PosterPath       string  `json:"poster_path,omitempty"`
	BackdropPath     string  `json:"backdrop_path,omitempty"`
	ReleaseDate      string  `json:"release_date,omitempty"`
	GenreIDs         []int64 `json:"genre_ids,omitempty"`
	Popularity       float64 `json:"popularity"`
	VoteAverage      float64 `json:"vote_average"`
	VoteCount        int64   `json:"vote_count"`
	Adult            bool    `json:"adult"`
}

// MoviePage is one page of a paginated movie listing.
type MoviePage struct {
	Page         int     `json:"page"`
	Results      []Movie `json:"results"`
	TotalPages   int     `json:"total_pages"`
	TotalResults int     `json:"total_results"`
}

// Genre is a catalog genre.
type Genre struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// GenreList wraps the upstream genre listing.
type GenreList struct {
	Genres []Genre `json:"genres"`
}

// MovieDetails is the full record for a single movie.
type MovieDetails struct {
	Movie
	Genres   []Genre `json:"genres,omitempty"`
	Runtime  int     `json:"runtime,omitempty"`
	Tagline  string  `json:"tagline,omitempty"`
	Status   string  `json:"status,omitempty"`
	Homepage string  `json:"homepage,omitempty"`
	IMDbID   string  `json:"imdb_id,omitempty"`
}

// Provider is a streaming, rental, or purchase provider.
type Provider struct {
	ProviderID      int64  `json:"provider_id"`
	ProviderName    string `json:"provider_name"`
	LogoPath        string `json:"logo_path,omitempty"`
	DisplayPriority int    `json:"display_priority"`
}

// CountryProviders lists the providers for one country.
type CountryProviders struct {
	Link     string     `json:"link,omitempty"`
	Flatrate []Provider `json:"flatrate,omitempty"`
	Rent     []Provider `json:"rent,omitempty"`
	Buy      []Provider `json:"buy,omitempty"`
}

// WatchProviders is the availability of a movie keyed by country code.
type WatchProviders struct {
	ID      int64                       `json:"id"`
	Results map[string]CountryProviders `json:"results"`
}

// SearchResult is the response shape of the advanced search endpoint.
type SearchResult struct {
	Results    []Movie `json:"results"`
	TotalPages int     `json:"total_pages"`
	Page       int     `json:"page"`
	Country    *string `json:"country"`
}
