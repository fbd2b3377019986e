package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"gb-device/dao"
	"gb-device/log"
	"gb-device/stack"

	"github.com/gorilla/mux"
)

// StatsSource 系统统计快照
type StatsSource interface {
	Latest() interface{}
}

type ApiServer struct {
	router *mux.Router

	engine *stack.Engine
	alarms *stack.AlarmManager
	ptz    *stack.PtzController
	device stack.DeviceInfoProvider
	stats  StatsSource
}

func httpResponseOK(w http.ResponseWriter, data interface{}) {
	httpResponse(w, http.StatusOK, "OK", data)
}

func httpResponseError(w http.ResponseWriter, msg string) {
	httpResponse(w, http.StatusInternalServerError, msg, nil)
}

func httpResponse(w http.ResponseWriter, code int, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	body := map[string]interface{}{
		"code": code,
		"msg":  msg,
	}
	if data != nil {
		body["data"] = data
	}

	_ = json.NewEncoder(w).Encode(body)
}

func NewApiServer(engine *stack.Engine, alarms *stack.AlarmManager, ptz *stack.PtzController,
	device stack.DeviceInfoProvider, stats StatsSource) *ApiServer {
	server := &ApiServer{
		router: mux.NewRouter(),
		engine: engine,
		alarms: alarms,
		ptz:    ptz,
		device: device,
		stats:  stats,
	}

	server.router.HandleFunc("/api/v1/device", server.onDeviceInfo).Methods("GET")
	server.router.HandleFunc("/api/v1/status", server.onStatus).Methods("GET")
	server.router.HandleFunc("/api/v1/sessions", server.onSessions).Methods("GET")
	server.router.HandleFunc("/api/v1/alarms", server.onActiveAlarms).Methods("GET")
	server.router.HandleFunc("/api/v1/alarms/history", server.onAlarmHistory).Methods("GET")
	server.router.HandleFunc("/api/v1/alarms/trigger", server.onTriggerAlarm).Methods("POST")
	server.router.HandleFunc("/api/v1/alarms/{id}/clear", server.onClearAlarm).Methods("POST")
	server.router.HandleFunc("/api/v1/ptz", server.onPtz).Methods("POST")
	server.router.HandleFunc("/api/v1/records", server.onRecords).Methods("GET")

	return server
}

// Start 本地管理接口, 阻塞
func (s *ApiServer) Start(addr string) error {
	log.Sugar.Infof("启动http server. addr: %s", addr)

	server := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	return server.ListenAndServe()
}

func (s *ApiServer) onDeviceInfo(w http.ResponseWriter, r *http.Request) {
	httpResponseOK(w, s.device.DeviceInfo())
}

func (s *ApiServer) onStatus(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"registration": s.engine.RegistrationState().String(),
		"sessions":     s.engine.Sessions().Count(),
		"alarms":       len(s.alarms.GetActive()),
	}

	if s.stats != nil {
		data["system"] = s.stats.Latest()
	}

	httpResponseOK(w, data)
}

func (s *ApiServer) onSessions(w http.ResponseWriter, r *http.Request) {
	httpResponseOK(w, s.engine.Sessions().Active())
}

func (s *ApiServer) onActiveAlarms(w http.ResponseWriter, r *http.Request) {
	httpResponseOK(w, s.alarms.GetActive())
}

func (s *ApiServer) onAlarmHistory(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	httpResponseOK(w, s.alarms.GetHistory(channel, 100))
}

type triggerAlarmRequest struct {
	DeviceID    string `json:"device_id"`
	ChannelID   string `json:"channel_id"`
	Type        int    `json:"type"`
	Level       int    `json:"level"`
	Description string `json:"description"`
}

func (s *ApiServer) onTriggerAlarm(w http.ResponseWriter, r *http.Request) {
	var request triggerAlarmRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		httpResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	id := s.alarms.TriggerAlarm(stack.AlarmInfo{
		DeviceID:    request.DeviceID,
		ChannelID:   request.ChannelID,
		Type:        stack.AlarmType(request.Type),
		Level:       stack.AlarmLevel(request.Level),
		Description: request.Description,
	})

	httpResponseOK(w, map[string]string{"alarm_id": id})
}

func (s *ApiServer) onClearAlarm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.alarms.ClearAlarm(id); err != nil {
		httpResponse(w, http.StatusNotFound, err.Error(), nil)
		return
	}

	httpResponseOK(w, nil)
}

type ptzRequest struct {
	ChannelID string `json:"channel_id"`
	Command   int    `json:"command"`
	Speed     int    `json:"speed"`
	PresetID  int    `json:"preset_id"`
}

func (s *ApiServer) onPtz(w http.ResponseWriter, r *http.Request) {
	var request ptzRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		httpResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	cmd := "Command=" + itoa(request.Command) + "&Speed=" + itoa(request.Speed)
	if request.PresetID > 0 {
		cmd += "&PresetID=" + itoa(request.PresetID)
	}

	action, err := stack.ParsePtzCmd(request.ChannelID, cmd)
	if err != nil {
		httpResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	if !s.ptz.Execute(action) {
		httpResponseError(w, "ptz command failed")
		return
	}

	httpResponseOK(w, nil)
}

func (s *ApiServer) onRecords(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	records, err := dao.Record.Query(query.Get("channel"), query.Get("start"), query.Get("end"), query.Get("type"))
	if err != nil {
		httpResponseError(w, err.Error())
		return
	}

	httpResponseOK(w, records)
}

func itoa(value int) string {
	return strconv.Itoa(value)
}
