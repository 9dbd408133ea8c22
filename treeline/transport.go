package treeline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"

	"github.com/treeline-io/treeline/protocol"
)

func DefaultTransportListenerSettings() *TransportListenerSettings {
	pingTimeout := 15 * time.Second
	return &TransportListenerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        2 * pingTimeout,
		PingTimeout:        pingTimeout,
	}
}

type TransportListenerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration

	// hmac secret to verify bearer tokens. Empty accepts unverified
	// tokens for client identity only
	JwtSecret []byte
}

// serves subscribe streams over websocket. Each connection binds to
// one stream session; messages are protowire-framed SubscribeRequest /
// SubscribeResponse, written strictly FIFO so an external batcher can
// number them without gaps
type TransportListener struct {
	ctx    context.Context
	cancel context.CancelFunc

	target   *Target
	settings *TransportListenerSettings

	upgrader *websocket.Upgrader
}

func NewTransportListenerWithDefaults(ctx context.Context, target *Target) *TransportListener {
	return NewTransportListener(ctx, target, DefaultTransportListenerSettings())
}

func NewTransportListener(ctx context.Context, target *Target, settings *TransportListenerSettings) *TransportListener {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TransportListener{
		ctx:      cancelCtx,
		cancel:   cancel,
		target:   target,
		settings: settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
	}
}

func (self *TransportListener) Close() {
	self.cancel()
}

// client identity from a bearer token's client_id claim. Identity
// scopes nothing but logging; aliases are scoped per session
func (self *TransportListener) clientId(r *http.Request) Id {
	authHeader := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return NewId()
	}

	var claims gojwt.MapClaims
	if 0 < len(self.settings.JwtSecret) {
		token, err := gojwt.Parse(tokenStr, func(token *gojwt.Token) (any, error) {
			return self.settings.JwtSecret, nil
		})
		if err != nil || !token.Valid {
			return NewId()
		}
		claims = token.Claims.(gojwt.MapClaims)
	} else {
		parser := gojwt.NewParser()
		token, _, err := parser.ParseUnverified(tokenStr, gojwt.MapClaims{})
		if err != nil {
			return NewId()
		}
		claims = token.Claims.(gojwt.MapClaims)
	}

	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			return clientId
		}
	}
	return NewId()
}

func (self *TransportListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ws]upgrade failed: %s\n", err)
		return
	}

	clientId := self.clientId(r)
	session := self.target.OpenSession(clientId)
	glog.V(1).Infof("[ws]connect session=%s client=%s remote=%s\n", session.SessionId(), clientId, r.RemoteAddr)

	go self.readPump(conn, session)
	go self.writePump(conn, session)
}

func (self *TransportListener) readPump(conn *websocket.Conn, session *StreamSession) {
	defer session.Close()

	conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		messageType, frameBytes, err := conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ws]%s read: %s\n", session.SessionId(), err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		wireRequest := &protocol.SubscribeRequest{}
		if err := wireRequest.Unmarshal(frameBytes); err != nil {
			glog.Infof("[ws]%s bad frame: %s\n", session.SessionId(), err)
			return
		}
		if err := session.Deliver(requestFromWire(wireRequest)); err != nil {
			return
		}
	}
}

func (self *TransportListener) writePump(conn *websocket.Conn, session *StreamSession) {
	defer conn.Close()

	pingTicker := time.NewTicker(self.settings.PingTimeout)
	defer pingTicker.Stop()

	seq := uint64(0)
	write := func(msg *StreamMessage) bool {
		seq += 1
		frameBytes := responseToWire(msg).Marshal()
		conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
			glog.V(1).Infof("[ws]%s write: %s\n", session.SessionId(), err)
			return false
		}
		glog.V(2).Infof("[ws]%s send seq=%d\n", session.SessionId(), seq)
		return true
	}

	for {
		select {
		case <-self.ctx.Done():
			session.Close()
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				session.Close()
				return
			}
		case msg := <-session.Outbound():
			if !write(msg) {
				session.Close()
				return
			}
		case <-session.Done():
			// drain what was enqueued before close
			for {
				select {
				case msg := <-session.Outbound():
					if !write(msg) {
						return
					}
				default:
					conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(self.settings.WriteTimeout),
					)
					return
				}
			}
		}
	}
}

// wire conversions

func pathFromWire(wirePath *protocol.Path) Path {
	if wirePath == nil {
		return nil
	}
	return Path(wirePath.Elements).Clone()
}

func pathToWire(path Path) *protocol.Path {
	if len(path) == 0 {
		return nil
	}
	return &protocol.Path{Elements: path.Clone()}
}

func valueFromWire(wireValue *protocol.TypedValue) *Value {
	if wireValue == nil {
		return nil
	}
	return &Value{
		Kind:     ValueKind(wireValue.Kind),
		Raw:      wireValue.Raw,
		Text:     wireValue.Text,
		Encoding: wireValue.Encoding,
		Binary:   wireValue.Binary,
		EnumName: wireValue.EnumName,
	}
}

func valueToWire(value *Value) *protocol.TypedValue {
	if value == nil {
		return nil
	}
	return &protocol.TypedValue{
		Kind:     int32(value.Kind),
		Raw:      value.Raw,
		Text:     value.Text,
		Encoding: value.Encoding,
		Binary:   value.Binary,
		EnumName: value.EnumName,
	}
}

func requestFromWire(wireRequest *protocol.SubscribeRequest) *SessionRequest {
	request := &SessionRequest{
		Poll:    wireRequest.Poll,
		Proxies: wireRequest.Proxies,
	}
	if wireRequest.Subscribe != nil {
		list := &SubscriptionList{
			Prefix:     pathFromWire(wireRequest.Subscribe.Prefix),
			Mode:       StreamMode(wireRequest.Subscribe.Mode),
			UseAliases: wireRequest.Subscribe.UseAliases,
			Qos:        wireRequest.Subscribe.Qos,
		}
		for _, wireSub := range wireRequest.Subscribe.Subscriptions {
			list.Subscriptions = append(list.Subscriptions, SubscriptionSpec{
				Path:              pathFromWire(wireSub.Path),
				Mode:              SubscriptionMode(wireSub.Mode),
				SampleInterval:    wireSub.SampleInterval,
				SuppressRedundant: wireSub.SuppressRedundant,
				HeartbeatInterval: wireSub.HeartbeatInterval,
			})
		}
		request.Subscribe = list
	}
	if wireRequest.Aliases != nil {
		for _, wireAlias := range wireRequest.Aliases.Aliases {
			request.Aliases = append(request.Aliases, AliasDefinition{
				Alias: pathFromWire(wireAlias.Alias),
				Path:  pathFromWire(wireAlias.Path),
			})
		}
	}
	if wireRequest.Heartbeat != nil {
		request.Heartbeat = &HeartbeatRequest{
			IntervalNanos: wireRequest.Heartbeat.Interval,
		}
	}
	return request
}

func notificationToWire(notification *Notification) *protocol.Notification {
	wireNotification := &protocol.Notification{
		Timestamp: notification.Ts,
		Prefix:    pathToWire(notification.Prefix),
		Alias:     notification.Alias,
	}
	for _, update := range notification.Updates {
		wireNotification.Updates = append(wireNotification.Updates, &protocol.Update{
			Path:  pathToWire(update.Path),
			Value: valueToWire(update.Value),
		})
	}
	for _, del := range notification.Deletes {
		wireNotification.Deletes = append(wireNotification.Deletes, pathToWire(del))
	}
	return wireNotification
}

func responseToWire(msg *StreamMessage) *protocol.SubscribeResponse {
	wireResponse := &protocol.SubscribeResponse{
		SyncResponse: msg.Sync,
		Heartbeat:    msg.Heartbeat,
	}
	if msg.Notification != nil {
		wireResponse.Update = notificationToWire(msg.Notification)
	}
	if msg.Error != nil {
		wireResponse.Error = &protocol.Error{
			Code:    int32(msg.Error.Code),
			Message: msg.Error.Message,
		}
	}
	return wireResponse
}
