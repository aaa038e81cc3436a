package relay

import (
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wfunc/room-sync/internal/config"
	"github.com/wfunc/room-sync/internal/errors"
)

// TicketClaims 中继连接票据，Subject为对等端在线键
type TicketClaims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// TicketManager 签发与校验中继连接票据
type TicketManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTicketManager 创建票据管理器，密钥为空时 Enabled 返回 false
func NewTicketManager(cfg config.JWTConfig) *TicketManager {
	ttl := cfg.TicketTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "room-sync"
	}
	return &TicketManager{
		secret: []byte(cfg.Secret),
		ttl:    ttl,
		issuer: issuer,
		now:    time.Now,
	}
}

// Enabled 是否启用票据校验
func (m *TicketManager) Enabled() bool {
	return m != nil && len(m.secret) > 0
}

// Issue 为某个房间内的在线键签发票据，签名与 channel.TokenFunc 一致
func (m *TicketManager) Issue(roomID, key string) (string, error) {
	if !m.Enabled() {
		return "", nil
	}
	now := m.now()
	claims := &TicketClaims{
		Room: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   key,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrAuthentication, "签发票据失败")
	}
	return signed, nil
}

// Verify 校验票据并确认其绑定的房间与在线键
func (m *TicketManager) Verify(tokenString, roomID, key string) (*TicketClaims, error) {
	if tokenString == "" {
		return nil, errors.New(errors.ErrAuthentication, "缺少票据")
	}

	token, err := jwt.ParseWithClaims(tokenString, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, stderrors.New("unexpected signing method")
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.Wrap(err, errors.ErrTokenExpired, "票据已过期")
		}
		return nil, errors.Wrap(err, errors.ErrTokenInvalid, "票据无效")
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid {
		return nil, errors.New(errors.ErrTokenInvalid, "票据无效")
	}
	if claims.Room != roomID || claims.Subject != key {
		return nil, errors.New(errors.ErrAuthorization, "票据与房间或在线键不匹配")
	}
	return claims, nil
}
