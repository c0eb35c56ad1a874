package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/adjust"
	"github.com/KevinKickass/ModbusPoller/internal/codec"
	"github.com/KevinKickass/ModbusPoller/internal/devices"
	"github.com/KevinKickass/ModbusPoller/internal/modbus"
	"github.com/KevinKickass/ModbusPoller/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const stopTimeout = 10 * time.Second

type WriteCoilRequest struct {
	Address *uint16 `json:"address" binding:"required"`
	Value   *bool   `json:"value" binding:"required"`
}

type WriteRegistersRequest struct {
	Address     *uint16         `json:"address" binding:"required"`
	Format      codec.Format    `json:"format" binding:"required"`
	Adjustments adjust.Pipeline `json:"adjustments"`
	Value       string          `json:"value" binding:"required"`
}

type WritePointRequest struct {
	Value string `json:"value" binding:"required"`
}

func deviceParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid device ID", err.Error()))
		return uuid.Nil, false
	}
	return id, true
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	list := s.lm.DeviceManager().List()
	c.JSON(http.StatusOK, gin.H{
		"devices": list,
		"count":   len(list),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	id, ok := deviceParam(c)
	if !ok {
		return
	}

	dm := s.lm.DeviceManager()
	def, exists := dm.Definition(id)
	if !exists {
		respondError(c, devices.ErrUnknownDevice)
		return
	}

	specs, err := def.Specs()
	if err != nil {
		respondError(c, err)
		return
	}

	points := make([]gin.H, 0, len(specs))
	for _, sp := range specs {
		points = append(points, gin.H{
			"id":            sp.ID,
			"function_code": sp.FunctionCode,
			"function":      sp.FunctionCode.String(),
			"address":       sp.Address,
			"code":          sp.Code,
			"name":          sp.Name,
			"format":        sp.Format,
			"adjustments":   sp.Adjustments,
			"active":        sp.Active,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"id":        id,
		"name":      def.Name,
		"protocol":  def.Protocol,
		"slave_id":  def.Address,
		"state":     dm.State(id),
		"active":    dm.IsActive(id),
		"interval":  def.Interval(s.lm.Config().Modbus.DefaultPollInterval).String(),
		"registers": points,
	})
}

// GET /api/v1/devices/:id/values
func (s *Server) getValues(c *gin.Context) {
	id, ok := deviceParam(c)
	if !ok {
		return
	}

	dm := s.lm.DeviceManager()
	if _, exists := dm.Definition(id); !exists {
		respondError(c, devices.ErrUnknownDevice)
		return
	}

	rs, found := dm.Latest(id)
	if !found {
		c.JSON(http.StatusOK, gin.H{"device_id": id, "cycle": 0, "rows": []modbus.Row{}})
		return
	}

	if c.Query("format") == "table" {
		records := make([][]string, 0, len(rs.Rows))
		for _, r := range rs.Rows {
			records = append(records, r.Record())
		}
		c.JSON(http.StatusOK, gin.H{"device_id": id, "cycle": rs.Cycle, "records": records})
		return
	}
	c.JSON(http.StatusOK, rs)
}

// POST /api/v1/devices/:id/start
func (s *Server) startDevice(c *gin.Context) {
	id, ok := deviceParam(c)
	if !ok {
		return
	}
	if err := s.lm.DeviceManager().Start(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "session started", "device_id": id})
}

// POST /api/v1/devices/:id/stop
func (s *Server) stopDevice(c *gin.Context) {
	id, ok := deviceParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), stopTimeout)
	defer cancel()
	if err := s.lm.DeviceManager().Stop(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session stopped", "device_id": id})
}

// POST /api/v1/devices/:id/coils
func (s *Server) writeCoil(c *gin.Context) {
	id, ok := deviceParam(c)
	if !ok {
		return
	}

	var req WriteCoilRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("WRITE_400", "Invalid request body", err.Error()))
		return
	}

	if err := s.lm.DeviceManager().WriteBit(c.Request.Context(), id, *req.Address, *req.Value); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "coil written", "address": *req.Address, "value": *req.Value})
}

// POST /api/v1/devices/:id/registers
func (s *Server) writeRegisters(c *gin.Context) {
	id, ok := deviceParam(c)
	if !ok {
		return
	}

	var req WriteRegistersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &bindError{err})
		return
	}

	err := s.lm.DeviceManager().WriteRegisters(c.Request.Context(), id, *req.Address, req.Format, req.Adjustments, req.Value)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "registers written", "address": *req.Address, "value": req.Value})
}

// POST /api/v1/devices/:id/points/:point
func (s *Server) writePoint(c *gin.Context) {
	id, ok := deviceParam(c)
	if !ok {
		return
	}
	pointID, err := uuid.Parse(c.Param("point"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("POINT_400", "Invalid register ID", err.Error()))
		return
	}

	var req WritePointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("WRITE_400", "Invalid request body", err.Error()))
		return
	}

	if err := s.lm.DeviceManager().WriteRegister(c.Request.Context(), id, pointID, req.Value); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "point written", "register_id": pointID, "value": req.Value})
}

// bindError marks request decoding failures, such as an unknown format or
// a malformed adjustment step, as bad input.
type bindError struct{ err error }

func (e *bindError) Error() string { return e.err.Error() }

func (e *bindError) Unwrap() []error { return []error{e.err, types.ErrBadInput} }
