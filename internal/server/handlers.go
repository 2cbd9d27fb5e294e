// Benchmark data handlers. These are deliberately thin: each read goes
// through WithCache with a fetcher closure that hits the pool, and each
// mutation invalidates the keys it touched.
package server

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/forgebench/forgebench/internal/cache"
	"github.com/forgebench/forgebench/pkg/json"
)

// Handler-chosen TTLs, in seconds.
const (
	ttlProductList = 60
	ttlProduct     = 120
	ttlAnalytics   = 300
)

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	key := s.cache.Key("products", "list", limit)
	rows, err := cache.WithCache(r.Context(), s.cache, key, ttlSeconds(ttlProductList),
		func(ctx context.Context) ([]map[string]any, error) {
			return s.query(ctx,
				`SELECT id, name, category, price, stock FROM products ORDER BY id LIMIT $1`,
				limit)
		})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"products": rows, "count": len(rows)})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	key := s.cache.Key("products", "id", id)
	rows, err := cache.WithCache(r.Context(), s.cache, key, ttlSeconds(ttlProduct),
		func(ctx context.Context) ([]map[string]any, error) {
			return s.query(ctx,
				`SELECT id, name, category, price, stock FROM products WHERE id = $1`,
				id)
		})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(rows) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, rows[0])
}

type createProductRequest struct {
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Price    float64 `json:"price"`
	Stock    int     `json:"stock"`
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	rows, err := s.query(r.Context(),
		`INSERT INTO products (name, category, price, stock)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		req.Name, req.Category, req.Price, req.Stock)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Invalidate every read path the write can affect. A list entry exists
	// for each limit clients have used, so the whole list namespace goes.
	if _, err := s.cache.Clear(r.Context(), "products:list:*"); err != nil {
		s.logger.Debug("list cache invalidation failed", zap.Error(err))
	}
	s.cache.Delete(r.Context(), s.cache.Key("analytics", "top-products"))

	s.writeJSON(w, http.StatusCreated, map[string]any{"created": rows})
}

func (s *Server) handleTopProducts(w http.ResponseWriter, r *http.Request) {
	key := s.cache.Key("analytics", "top-products")
	rows, err := cache.WithCache(r.Context(), s.cache, key, ttlSeconds(ttlAnalytics),
		func(ctx context.Context) ([]map[string]any, error) {
			return s.query(ctx,
				`SELECT p.id, p.name, SUM(oi.quantity) AS units_sold
				 FROM products p
				 JOIN order_items oi ON oi.product_id = p.id
				 GROUP BY p.id, p.name
				 ORDER BY units_sold DESC
				 LIMIT 10`)
		})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"top_products": rows})
}
