package httprpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/bitrise-io/go-resumable/storage"
	"github.com/bitrise-io/go-resumable/storage/memstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gorilla/mux"
)

const sessionPath = "/upload/sessions/"

var (
	contentRangeHeader = regexp.MustCompile(`^bytes ([0-9]+)-([0-9]+)/(\*|[0-9]+)$`)
	statusRangeHeader  = regexp.MustCompile(`^bytes \*/(\*|[0-9]+)$`)
	requestRangeHeader = regexp.MustCompile(`^bytes=([0-9]+)-([0-9]*)$`)
)

// Handler serves the protocol spoken by Client from a memstore.Store.
type Handler struct {
	store  *memstore.Store
	logger log.Logger
	router *mux.Router
}

// NewHandler ...
func NewHandler(store *memstore.Store, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewLogger()
	}
	h := &Handler{store: store, logger: logger}

	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/storage/v1/b/{bucket}/o/{object:.+}", h.getObject).Methods(http.MethodGet)
	r.HandleFunc("/upload/storage/v1/b/{bucket}/o", h.startUpload).Methods(http.MethodPost)
	r.HandleFunc(sessionPath+"{session}", h.putChunk).Methods(http.MethodPut)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) getObject(w http.ResponseWriter, r *http.Request) {
	blob, err := blobFromVars(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	opts, err := preconditionsFromQuery(r.URL.Query())
	if err != nil {
		h.writeError(w, err)
		return
	}

	info, err := h.store.Stat(r.Context(), blob)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if r.URL.Query().Get("alt") != "media" {
		h.writeJSON(w, http.StatusOK, objectResource{
			Bucket:         blob.Bucket,
			Name:           blob.Name,
			Size:           strconv.FormatInt(info.Size, 10),
			Generation:     strconv.FormatInt(info.Generation, 10),
			Metageneration: strconv.FormatInt(info.Metageneration, 10),
			ContentType:    info.ContentType,
		})
		return
	}

	start, end := int64(0), info.Size-1
	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" {
		groups := requestRangeHeader.FindStringSubmatch(rng)
		if groups == nil {
			h.writeError(w, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: fmt.Sprintf("malformed Range header %q", rng)})
			return
		}
		start, _ = strconv.ParseInt(groups[1], 10, 64)
		if groups[2] != "" {
			if last, _ := strconv.ParseInt(groups[2], 10, 64); last < end {
				end = last
			}
		}
		status = http.StatusPartialContent
	}

	w.Header().Set(generationHeader, strconv.FormatInt(info.Generation, 10))
	if start >= info.Size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	chunk, err := h.store.ReadChunk(r.Context(), blob, start, int(end-start+1), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+int64(len(chunk.Data))-1, info.Size))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(chunk.Data)))
	w.WriteHeader(status)
	if _, err := w.Write(chunk.Data); err != nil {
		h.logger.Warnf("Failed to write response: %s", err)
	}
}

func (h *Handler) startUpload(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("uploadType") != "resumable" {
		h.writeError(w, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: "only resumable uploads are supported"})
		return
	}
	bucket, err := url.PathUnescape(mux.Vars(r)["bucket"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	blob := storage.BlobID{Bucket: bucket, Name: query.Get("name")}

	var resource objectResource
	if err := json.NewDecoder(r.Body).Decode(&resource); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "parseError", Message: err.Error()})
		return
	}
	if blob.Name == "" {
		blob.Name = resource.Name
	}

	var opts []storage.Option
	for _, text := range []struct {
		value string
		build func(string) storage.Option
	}{
		{resource.ContentType, storage.ContentType},
		{resource.ContentEncoding, storage.ContentEncoding},
		{resource.CacheControl, storage.CacheControl},
		{resource.ContentDisposition, storage.ContentDisposition},
		{resource.ContentLanguage, storage.ContentLanguage},
		{query.Get("predefinedAcl"), storage.PredefinedACL},
	} {
		if text.value != "" {
			opts = append(opts, text.build(text.value))
		}
	}
	if len(resource.Metadata) > 0 {
		opts = append(opts, storage.UserMetadata(resource.Metadata))
	}
	preconditions, err := preconditionsFromQuery(query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	objOpts, err := storage.NewOptions(append(opts, preconditions.All()...)...)
	if err != nil {
		h.writeError(w, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: err.Error()})
		return
	}

	id, err := h.store.StartResumableUpload(r.Context(), blob, objOpts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Location", sessionPath+id)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) putChunk(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session"]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: err.Error()})
		return
	}

	offset, final := int64(-1), false
	contentRange := r.Header.Get("Content-Range")
	if groups := contentRangeHeader.FindStringSubmatch(contentRange); groups != nil {
		first, _ := strconv.ParseInt(groups[1], 10, 64)
		last, _ := strconv.ParseInt(groups[2], 10, 64)
		if last-first+1 != int64(len(body)) {
			h.writeError(w, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: "Content-Range does not match the body length"})
			return
		}
		offset, final = first, groups[3] != "*"
	} else if groups := statusRangeHeader.FindStringSubmatch(contentRange); groups != nil {
		if groups[1] != "*" {
			if len(body) != 0 {
				h.writeError(w, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: "unexpected body"})
				return
			}
			offset, _ = strconv.ParseInt(groups[1], 10, 64)
			final = true
		}
	} else {
		h.writeError(w, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: fmt.Sprintf("malformed Content-Range header %q", contentRange)})
		return
	}

	var acked int64
	if offset >= 0 {
		if acked, err = h.store.WriteChunk(r.Context(), id, offset, body, final); err != nil {
			h.writeError(w, err)
			return
		}
	}

	sess, err := h.store.Session(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if offset < 0 {
		acked = sess.Persisted
	}
	if sess.Committed {
		h.writeJSON(w, http.StatusOK, objectResource{
			Bucket: sess.Blob.Bucket,
			Name:   sess.Blob.Name,
			Size:   strconv.FormatInt(sess.Persisted, 10),
		})
		return
	}

	if acked > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", acked-1))
	}
	w.WriteHeader(http.StatusPermanentRedirect)
}

func blobFromVars(r *http.Request) (storage.BlobID, error) {
	vars := mux.Vars(r)
	bucket, err := url.PathUnescape(vars["bucket"])
	if err != nil {
		return storage.BlobID{}, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: err.Error()}
	}
	name, err := url.PathUnescape(vars["object"])
	if err != nil {
		return storage.BlobID{}, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: err.Error()}
	}
	return storage.BlobID{Bucket: bucket, Name: name}, nil
}

func preconditionsFromQuery(query url.Values) (storage.Options, error) {
	var opts []storage.Option
	for name, build := range map[string]func(int64) storage.Option{
		"ifGenerationMatch":        storage.GenerationMatch,
		"ifGenerationNotMatch":     storage.GenerationNotMatch,
		"ifMetagenerationMatch":    storage.MetagenerationMatch,
		"ifMetagenerationNotMatch": storage.MetagenerationNotMatch,
	} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return storage.Options{}, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: fmt.Sprintf("invalid %s: %s", name, raw)}
		}
		opts = append(opts, build(v))
	}
	o, err := storage.NewOptions(opts...)
	if err != nil {
		return storage.Options{}, &storage.ServiceError{Code: http.StatusBadRequest, Reason: "invalid", Message: err.Error()}
	}
	return o, nil
}

type errorItem struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

type errorBody struct {
	Error struct {
		Code    int         `json:"code"`
		Message string      `json:"message"`
		Errors  []errorItem `json:"errors,omitempty"`
	} `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var serviceErr *storage.ServiceError
	if !errors.As(err, &serviceErr) {
		serviceErr = &storage.ServiceError{Code: http.StatusInternalServerError, Reason: "internalError", Message: err.Error()}
	}

	var body errorBody
	body.Error.Code = serviceErr.Code
	body.Error.Message = serviceErr.Message
	body.Error.Errors = []errorItem{{Reason: serviceErr.Reason, Message: serviceErr.Message}}

	h.logger.Debugf("Responding with error %d: %s", serviceErr.Code, serviceErr.Message)
	h.writeJSON(w, serviceErr.Code, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warnf("Failed to write response: %s", err)
	}
}
