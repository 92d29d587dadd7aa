package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"fundfeed/internal/fixed"
	"fundfeed/internal/fund"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type healthView struct {
	Status    string    `json:"status"`
	UpdateID  uint64    `json:"updateId"`
	LastRound time.Time `json:"lastRound,omitempty"`
	Operators []string  `json:"operators"`
	Funds     int       `json:"funds"`
	Clients   int64     `json:"eventClients"`
}

type priceView struct {
	Asset     string    `json:"asset"`
	Symbol    string    `json:"symbol"`
	Price     string    `json:"price"`
	Raw       string    `json:"raw"`
	Valid     bool      `json:"valid"`
	UpdateID  uint64    `json:"updateId"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type fundView struct {
	ID             uint64    `json:"id"`
	Address        string    `json:"address"`
	Manager        string    `json:"manager"`
	Name           string    `json:"name"`
	BaseAsset      string    `json:"baseAsset"`
	Gav            string    `json:"gav,omitempty"`
	Nav            string    `json:"nav,omitempty"`
	SharePrice     string    `json:"sharePrice,omitempty"`
	TotalSupply    string    `json:"totalSupply"`
	UnclaimedFees  string    `json:"unclaimedFees,omitempty"`
	HighWaterMark  string    `json:"highWaterMark"`
	ActiveRequests int       `json:"activeRequests"`
	LastAllocation time.Time `json:"lastAllocation,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Router exposes health, metrics, the event stream and read-only price and fund views.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	if a.prom != nil {
		r.Handle(a.cfg.Metrics.Path, a.prom.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc(a.cfg.Server.EventsPath, a.events.Stream).Methods(http.MethodGet)
	r.HandleFunc(a.cfg.Server.EventsPath+"/list", a.events.List).Methods(http.MethodGet)
	r.HandleFunc("/prices", a.handlePrices).Methods(http.MethodGet)
	r.HandleFunc("/prices/{asset}", a.handlePrice).Methods(http.MethodGet)
	r.HandleFunc("/funds", a.handleFunds).Methods(http.MethodGet)
	r.HandleFunc("/funds/{id:[0-9]+}", a.handleFund).Methods(http.MethodGet)
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	last := a.lastRound
	a.mu.Unlock()
	view := healthView{
		Status:    "ok",
		UpdateID:  a.feed.UpdateID(),
		LastRound: last,
		Funds:     len(a.version.Funds()),
		Clients:   a.events.Clients(),
	}
	for _, op := range a.staking.Operators() {
		view.Operators = append(view.Operators, op.Hex())
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *App) handlePrices(w http.ResponseWriter, _ *http.Request) {
	assets := a.feed.RegisteredAssets()
	out := make([]priceView, 0, len(assets))
	for _, asset := range assets {
		out = append(out, a.priceView(asset))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *App) handlePrice(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["asset"]
	if !common.IsHexAddress(raw) {
		a.writeError(w, http.StatusBadRequest, "asset must be a hex address")
		return
	}
	asset := common.HexToAddress(raw)
	if !a.feed.AssetIsRegistered(asset) {
		a.writeError(w, http.StatusNotFound, "asset not registered")
		return
	}
	a.writeJSON(w, http.StatusOK, a.priceView(asset))
}

func (a *App) handleFunds(w http.ResponseWriter, _ *http.Request) {
	funds := a.version.Funds()
	out := make([]fundView, 0, len(funds))
	for _, f := range funds {
		out = append(out, fundViewOf(f))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *App) handleFund(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid fund id")
		return
	}
	f, ok := a.version.FundByID(id)
	if !ok {
		a.writeError(w, http.StatusNotFound, "fund not found")
		return
	}
	a.writeJSON(w, http.StatusOK, fundViewOf(f))
}

func (a *App) priceView(asset common.Address) priceView {
	info := a.feed.GetPriceInfo(asset)
	return priceView{
		Asset:     asset.Hex(),
		Symbol:    a.symbolOf(asset),
		Price:     fixed.Format(info.Price),
		Raw:       fixed.String(info.Price),
		Valid:     info.Valid,
		UpdateID:  a.feed.AssetUpdateID(asset),
		Timestamp: info.Timestamp,
	}
}

func fundViewOf(f *fund.Fund) fundView {
	view := fundView{
		ID:             f.ID(),
		Address:        f.Address().Hex(),
		Manager:        f.Manager().Hex(),
		Name:           f.Name(),
		BaseAsset:      f.BaseAsset().Hex(),
		TotalSupply:    fixed.Format(f.TotalSupply()),
		HighWaterMark:  fixed.Format(f.HighWaterMark()),
		ActiveRequests: len(f.ActiveRequests()),
		LastAllocation: f.LastFeeAllocation(),
	}
	calc, err := f.PerformCalculations()
	if err != nil {
		view.Error = err.Error()
		return view
	}
	view.Gav = fixed.Format(calc.Gav)
	view.Nav = fixed.Format(calc.Nav)
	view.SharePrice = fixed.Format(calc.SharePrice)
	view.UnclaimedFees = fixed.Format(calc.UnclaimedFees)
	return view
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Debug("response write failed", zap.Error(err))
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
