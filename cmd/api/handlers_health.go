package main

import "net/http"

type healthResponse struct {
	OK      bool `json:"ok"`
	StoreOK bool `json:"store_ok"`
}

func (d *deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := d.st.KV.Ping(r.Context()) == nil
	writeJSON(w, http.StatusOK, healthResponse{OK: true, StoreOK: storeOK})
}
