package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maeshinshin/nbns"
)

// NameService is the part of *nbns.Server the admin API drives.
type NameService interface {
	AddName(nbns.Name) error
	DeleteName(nbns.Name) error
	LocalNames() []nbns.Name
	RemoteNames() []nbns.RemoteName
	LookupLocal(nbns.NameKey) (nbns.Name, bool)
}

type Options struct {
	// AdminKey, when set, must be sent in X-Admin-Key on mutating requests.
	AdminKey string
	// Gatherer is served on /metrics when set.
	Gatherer prometheus.Gatherer
}

type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type API struct {
	svc  NameService
	opts Options
}

func NewRouter(svc NameService, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := &API{svc: svc, opts: opts}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/names", api.listNames)
		v1.GET("/names/:name/:type", api.getName)
		v1.POST("/names", api.authAdmin(), api.addName)
		v1.DELETE("/names/:name/:type", api.authAdmin(), api.deleteName)
		v1.GET("/remote", api.listRemote)
	}
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		})))
	}
	return r
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Code: 0, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Code: status, Message: msg})
}

func (a *API) authAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.opts.AdminKey == "" {
			c.Next()
			return
		}
		key := strings.TrimSpace(c.GetHeader("X-Admin-Key"))
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.opts.AdminKey)) != 1 {
			fail(c, http.StatusUnauthorized, "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

type nameView struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Group      bool       `json:"group"`
	Addrs      []string   `json:"addrs"`
	TTLSeconds int64      `json:"ttl_seconds"`
	Registered bool       `json:"registered"`
	Expiry     *time.Time `json:"expiry,omitempty"`
}

func viewName(n nbns.Name) nameView {
	v := nameView{
		Name:       n.Name,
		Type:       typeString(n.Type),
		Group:      n.Group,
		Addrs:      addrStrings(n.Addrs),
		TTLSeconds: int64(n.TTL / time.Second),
		Registered: n.Registered(),
	}
	if n.Registered() {
		expiry := n.Expiry
		v.Expiry = &expiry
	}
	return v
}

type remoteView struct {
	Name  string    `json:"name"`
	Type  string    `json:"type"`
	Group bool      `json:"group"`
	From  string    `json:"from"`
	Addrs []string  `json:"addrs"`
	Seen  time.Time `json:"seen"`
}

func typeString(t nbns.NameType) string {
	return fmt.Sprintf("%02X", byte(t))
}

func parseType(s string) (nbns.NameType, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, errors.New("type must be a hex byte such as 20")
	}
	return nbns.NameType(v), nil
}

func addrStrings(addrs []netip.Addr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (a *API) listNames(c *gin.Context) {
	names := a.svc.LocalNames()
	views := make([]nameView, 0, len(names))
	for _, n := range names {
		views = append(views, viewName(n))
	}
	ok(c, http.StatusOK, views)
}

func (a *API) getName(c *gin.Context) {
	typ, err := parseType(c.Param("type"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	n, found := a.svc.LookupLocal(nbns.NameKey{Name: c.Param("name"), Type: typ})
	if !found {
		fail(c, http.StatusNotFound, "name not found")
		return
	}
	ok(c, http.StatusOK, viewName(n))
}

type addNameRequest struct {
	Name       string   `json:"name" binding:"required"`
	Type       string   `json:"type" binding:"required"`
	Group      bool     `json:"group"`
	Addrs      []string `json:"addrs" binding:"required,min=1"`
	TTLSeconds int64    `json:"ttl_seconds"`
}

func (a *API) addName(c *gin.Context) {
	var req addNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	typ, err := parseType(req.Type)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	addrs := make([]netip.Addr, 0, len(req.Addrs))
	for _, s := range req.Addrs {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		addrs = append(addrs, addr)
	}
	if req.TTLSeconds < 0 || req.TTLSeconds > math.MaxUint32 {
		fail(c, http.StatusBadRequest, fmt.Sprintf("ttl_seconds must be between 0 and %d", uint32(math.MaxUint32)))
		return
	}

	n, err := nbns.NewName(req.Name, typ, req.Group, time.Duration(req.TTLSeconds)*time.Second, addrs...)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.AddName(n); err != nil {
		a.serviceError(c, err)
		return
	}
	ok(c, http.StatusAccepted, viewName(n))
}

func (a *API) deleteName(c *gin.Context) {
	typ, err := parseType(c.Param("type"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.DeleteName(nbns.Name{Name: c.Param("name"), Type: typ}); err != nil {
		a.serviceError(c, err)
		return
	}
	ok(c, http.StatusAccepted, nil)
}

func (a *API) serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, nbns.ErrInvalidName):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, nbns.ErrSocketNotInitialized):
		fail(c, http.StatusServiceUnavailable, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

func (a *API) listRemote(c *gin.Context) {
	names := a.svc.RemoteNames()
	views := make([]remoteView, 0, len(names))
	for _, r := range names {
		views = append(views, remoteView{
			Name:  r.Name,
			Type:  typeString(r.Type),
			Group: r.Group,
			From:  r.From.String(),
			Addrs: addrStrings(r.Addrs),
			Seen:  r.Seen,
		})
	}
	ok(c, http.StatusOK, views)
}
