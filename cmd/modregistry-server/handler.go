package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	svchost "github.com/hashicorp/terraform-svchost"

	"github.com/modlab/modregistry/config"
	"github.com/modlab/modregistry/module"
	"github.com/modlab/modregistry/versions"
)

type handler struct {
	hostname svchost.Hostname
	modules  config.Modules
	logger   *log.Logger
}

func makeHandler(hostname svchost.Hostname, modules config.Modules, logger *log.Logger) http.Handler {
	h := &handler{
		hostname: hostname,
		modules:  modules,
		logger:   logger,
	}

	ret := mux.NewRouter()
	ret.HandleFunc("/.well-known/terraform.json", h.serveDiscovery)

	v1 := ret.PathPrefix("/v1/modules").Subrouter()
	v1.HandleFunc("/{namespace}/{name}", h.serveModuleList)
	v1.HandleFunc("/{namespace}/{name}/{provider}", h.serveModuleLatest)
	v1.HandleFunc("/{namespace}/{name}/{provider}/versions", h.serveModuleVersions)
	v1.HandleFunc("/{namespace}/{name}/{provider}/resolve", h.serveModuleResolve)
	v1.HandleFunc("/{namespace}/{name}/{provider}/{version}/download", h.serveModuleDownload)
	v1.HandleFunc("/{namespace}/{name}/{provider}/{version}/archive.tar", h.serveModuleArchive)
	v1.HandleFunc("/{namespace}/{name}/{provider}/{version}", h.serveModuleVersion)

	return ret
}

// moduleConfig finds the configured module for the request's path variables,
// or nil when no such module is declared.
func (h *handler) moduleConfig(req *http.Request) (namespace, name, provider string, cfg *config.Module) {
	vars := mux.Vars(req)
	namespace = vars["namespace"]
	name = vars["name"]
	provider = vars["provider"]

	byNamespace := h.modules[namespace]
	if byNamespace == nil {
		return namespace, name, provider, nil
	}
	byName := byNamespace[name]
	if byName == nil {
		return namespace, name, provider, nil
	}
	if provider == "" {
		return namespace, name, provider, nil
	}
	return namespace, name, provider, byName[provider]
}

// open loads the git-backed module for a configuration, logging failures
// with the declaration that caused them.
func (h *handler) open(cfg *config.Module) *module.Module {
	mod := module.Load(cfg.GitDir, cfg.TagPrefix)
	if mod == nil {
		h.logger.Error("failed to open git repository",
			"git_dir", cfg.GitDir, "declared_at", cfg.DeclRange.String())
	}
	return mod
}

func (h *handler) writeJSON(wr http.ResponseWriter, status int, v any) {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		h.logger.Error("error in JSON encoding", "error", err)
		wr.WriteHeader(http.StatusInternalServerError)
		return
	}
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	wr.Write(buf)
}

func (h *handler) writeErrors(wr http.ResponseWriter, status int, msgs ...string) {
	h.writeJSON(wr, status, apiErrorResponse{Errors: msgs})
}

func (h *handler) serveDiscovery(wr http.ResponseWriter, req *http.Request) {
	h.writeJSON(wr, http.StatusOK, map[string]string{
		"modules.v1": fmt.Sprintf("https://%s/v1/modules/", h.hostname),
	})
}

func (h *handler) serveModuleList(wr http.ResponseWriter, req *http.Request) {
	namespace, name, _, _ := h.moduleConfig(req)

	byName := h.modules[namespace][name]
	if byName == nil {
		h.writeErrors(wr, http.StatusNotFound, "Not Found")
		return
	}

	mods := make([]apiModule, 0)
	for provider, cfg := range byName {
		mod := h.open(cfg)
		if mod == nil {
			continue
		}

		latest, err := mod.LatestVersion()
		if err != nil {
			h.logger.Error("failed to get latest version",
				"declared_at", cfg.DeclRange.String(), "error", err)
			continue
		}
		if latest == nil {
			continue
		}

		mods = append(mods, apiModule{
			ID:        fmt.Sprintf("%s/%s/%s/%s", namespace, name, provider, latest),
			Namespace: namespace,
			Name:      name,
			Provider:  provider,
			Version:   latest.Version.String(),
		})
	}

	h.writeJSON(wr, http.StatusOK, apiModuleListResponse{Modules: mods})
}

func (h *handler) serveModuleLatest(wr http.ResponseWriter, req *http.Request) {
	namespace, name, provider, cfg := h.moduleConfig(req)
	if cfg == nil {
		h.writeErrors(wr, http.StatusNotFound, "Not Found")
		return
	}

	mod := h.open(cfg)
	if mod == nil {
		wr.WriteHeader(http.StatusInternalServerError)
		return
	}

	latest, err := mod.LatestVersion()
	if err != nil {
		h.logger.Error("failed to get latest version",
			"declared_at", cfg.DeclRange.String(), "error", err)
		wr.WriteHeader(http.StatusInternalServerError)
		return
	}
	if latest == nil {
		h.writeErrors(wr, http.StatusNotFound, "Not Found")
		return
	}

	h.writeJSON(wr, http.StatusOK, &apiModule{
		ID:        fmt.Sprintf("%s/%s/%s/%s", namespace, name, provider, latest),
		Namespace: namespace,
		Name:      name,
		Provider:  provider,
		Version:   latest.Version.String(),
	})
}

func (h *handler) serveModuleVersions(wr http.ResponseWriter, req *http.Request) {
	namespace, name, provider, cfg := h.moduleConfig(req)
	if cfg == nil {
		h.writeErrors(wr, http.StatusNotFound, "Not Found")
		return
	}

	mod := h.open(cfg)
	if mod == nil {
		wr.WriteHeader(http.StatusInternalServerError)
		return
	}

	all, err := mod.AllVersions()
	if err != nil {
		h.logger.Error("failed to list versions",
			"declared_at", cfg.DeclRange.String(), "error", err)
		wr.WriteHeader(http.StatusInternalServerError)
		return
	}

	vs := make([]apiModuleVersion, 0, len(all))
	for _, mv := range all {
		vs = append(vs, apiModuleVersion{Version: mv.Version.String()})
	}

	h.writeJSON(wr, http.StatusOK, apiModuleVersionsResponse{
		Modules: []apiModuleVersions{
			{
				Source:   fmt.Sprintf("%s/%s/%s/%s", h.hostname, namespace, name, provider),
				Versions: vs,
			},
		},
	})
}

// serveModuleResolve selects the highest published version satisfying the
// constraint in the "version" query argument. A malformed constraint is the
// caller's mistake and gets a 400; a well-formed constraint that no release
// satisfies gets a 404.
func (h *handler) serveModuleResolve(wr http.ResponseWriter, req *http.Request) {
	namespace, name, provider, cfg := h.moduleConfig(req)
	if cfg == nil {
		h.writeErrors(wr, http.StatusNotFound, "Not Found")
		return
	}

	constraintStr := req.URL.Query().Get("version")
	c, err := versions.ParseConstraint(constraintStr)
	if err != nil {
		h.writeErrors(wr, http.StatusBadRequest,
			fmt.Sprintf("Invalid version constraint %q: %s.", constraintStr, err))
		return
	}

	mod := h.open(cfg)
	if mod == nil {
		wr.WriteHeader(http.StatusInternalServerError)
		return
	}

	mv, err := mod.ResolveVersion(c)
	if err != nil {
		h.logger.Error("failed to resolve version",
			"declared_at", cfg.DeclRange.String(), "error", err)
		wr.WriteHeader(http.StatusInternalServerError)
		return
	}
	if mv == nil {
		h.writeErrors(wr, http.StatusNotFound,
			fmt.Sprintf("No version of %s/%s/%s matches %q.", namespace, name, provider, c))
		return
	}

	h.writeJSON(wr, http.StatusOK, &apiModule{
		ID:        fmt.Sprintf("%s/%s/%s/%s", namespace, name, provider, mv),
		Namespace: namespace,
		Name:      name,
		Provider:  provider,
		Version:   mv.Version.String(),
	})
}

// published looks up the exact version named in the request path. A nil
// module version with a false ok means the response has already been
// written.
func (h *handler) published(wr http.ResponseWriter, req *http.Request, cfg *config.Module) (*versions.ModuleVersion, *module.Module, bool) {
	versionStr := mux.Vars(req)["version"]

	mod := h.open(cfg)
	if mod == nil {
		wr.WriteHeader(http.StatusInternalServerError)
		return nil, nil, false
	}

	mv, err := mod.Version(versionStr)
	if err != nil {
		if errors.Is(err, versions.ErrInvalidConstraint) {
			h.writeErrors(wr, http.StatusNotFound, "Not Found")
			return nil, nil, false
		}
		h.logger.Error("failed to look up version",
			"declared_at", cfg.DeclRange.String(), "error", err)
		wr.WriteHeader(http.StatusInternalServerError)
		return nil, nil, false
	}
	if mv == nil {
		h.writeErrors(wr, http.StatusNotFound, "Not Found")
		return nil, nil, false
	}
	return mv, mod, true
}

func (h *handler) serveModuleVersion(wr http.ResponseWriter, req *http.Request) {
	namespace, name, provider, cfg := h.moduleConfig(req)
	if cfg == nil {
		h.writeErrors(wr, http.StatusNotFound, "Not Found")
		return
	}

	mv, _, ok := h.published(wr, req, cfg)
	if !ok {
		return
	}

	h.writeJSON(wr, http.StatusOK, &apiModule{
		ID:        fmt.Sprintf("%s/%s/%s/%s", namespace, name, provider, mv),
		Namespace: namespace,
		Name:      name,
		Provider:  provider,
		Version:   mv.Version.String(),
	})
}

func (h *handler) serveModuleDownload(wr http.ResponseWriter, req *http.Request) {
	namespace, name, provider, cfg := h.moduleConfig(req)
	if cfg == nil {
		h.writeErrors(wr, http.StatusNotFound, "Not Found")
		return
	}

	mv, _, ok := h.published(wr, req, cfg)
	if !ok {
		return
	}

	wr.Header().Set("X-Terraform-Get",
		fmt.Sprintf("/v1/modules/%s/%s/%s/%s/archive.tar", namespace, name, provider, mv.Version))
	wr.WriteHeader(http.StatusNoContent)
}

func (h *handler) serveModuleArchive(wr http.ResponseWriter, req *http.Request) {
	_, _, _, cfg := h.moduleConfig(req)
	if cfg == nil {
		h.writeErrors(wr, http.StatusNotFound, "Not Found")
		return
	}

	mv, mod, ok := h.published(wr, req, cfg)
	if !ok {
		return
	}

	wr.Header().Set("Content-Type", "application/x-tar")
	wr.WriteHeader(http.StatusOK)
	err := mod.WriteVersionTar(mv, cfg.Path, wr)
	if err != nil {
		// Headers are already sent; all we can do is log and cut the
		// stream short.
		h.logger.Error("failed to write module archive",
			"tag", mv.Tag.Name, "declared_at", cfg.DeclRange.String(), "error", err)
	}
}

type apiModuleListResponse struct {
	Modules []apiModule `json:"modules"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Limit         string `json:"limit"`
	CurrentOffset string `json:"current_offset"`
	NextOffset    string `json:"next_offset"`
	PrevOffset    string `json:"prev_offset"`
}

type apiModule struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Version   string `json:"version"`
}

type apiModuleVersionsResponse struct {
	Modules []apiModuleVersions `json:"modules"`
}

type apiModuleVersions struct {
	Source   string             `json:"source"`
	Versions []apiModuleVersion `json:"versions"`
}

type apiModuleVersion struct {
	Version string `json:"version"`
}

type apiErrorResponse struct {
	Errors []string `json:"errors"`
}
