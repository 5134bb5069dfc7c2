package web

import "net/http"

// apiCACert serves the CA certificate in PEM form. Agents fetch it once
// during enrollment to pin the server.
func (s *Server) apiCACert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(s.deps.CA.CACertPEM())
}

// apiFingerprint serves the server certificate fingerprint agents verify
// out of band before trusting the CA bundle.
func (s *Server) apiFingerprint(w http.ResponseWriter, r *http.Request) {
	fp, err := s.deps.CA.ServerFingerprint()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server certificate unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fp})
}
