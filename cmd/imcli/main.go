package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"go-imsdk/errs"
	"go-imsdk/imsdk"
	"go-imsdk/models"
)

var (
	httpBase = flag.String("http", "http://127.0.0.1:8090", "网关 HTTP 地址")
	wsAddr   = flag.String("ws", "ws://127.0.0.1:8090/ws", "网关 WebSocket 地址")
	user     = flag.String("user", "", "用户名")
	pass     = flag.String("pass", "", "密码")
)

func main() {
	flag.Parse()
	if *user == "" || *pass == "" {
		log.Fatal("usage: imcli -user alice -pass secret [-http ...] [-ws ...]")
	}

	token := fetchToken(*httpBase, *user, *pass)

	engine, err := imsdk.Create(&imsdk.AppConfig{AppID: 1, ServerAddr: *wsAddr})
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Destroy()

	engine.AddEventHandler(&imsdk.EventHandler{
		OnConnectionStateChanged: func(state models.ConnectionState, event models.ConnectionEvent) {
			fmt.Printf("* connection %s (%s)\n", state, event)
		},
		OnMessageReceived: func(convID string, _ models.ConversationType, msgs []*models.Message) {
			for _, m := range msgs {
				fmt.Printf("[%s] %s\n", m.FromUserID, renderText(m))
			}
		},
		OnMessageRevoked: func(m *models.Message) {
			fmt.Printf("* %s revoked a message in %s\n", m.FromUserID, m.ConvID)
		},
		OnTotalUnreadChanged: func(total int) {
			fmt.Printf("* unread: %d\n", total)
		},
	})

	loggedIn := make(chan *errs.Error, 1)
	engine.Login(*user, token, func(err *errs.Error) { loggedIn <- err })
	if err := <-loggedIn; err != nil {
		log.Fatalf("login: %v", err)
	}
	fmt.Printf("logged in as %s, commands: send <user> <text> | history <user> | quit\n", *user)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "quit":
			return
		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <user> <text>")
				continue
			}
			payload, _ := json.Marshal(&models.TextPayload{Text: fields[2]})
			engine.SendMessage(&models.Message{
				ConvID:   fields[1],
				ConvType: models.ConversationTypePeer,
				Type:     models.MessageTypeText,
				Payload:  payload,
			}, func(m *models.Message, err *errs.Error) {
				if err != nil {
					fmt.Printf("! send failed: %v\n", err)
					return
				}
				fmt.Printf("> sent #%s\n", m.ServerMsgID)
			})
		case "history":
			if len(fields) < 2 {
				fmt.Println("usage: history <user>")
				continue
			}
			engine.QueryHistory(fields[1], models.ConversationTypePeer, 20, "", true, func(msgs []*models.Message, _ string, err *errs.Error) {
				if err != nil {
					fmt.Printf("! history failed: %v\n", err)
					return
				}
				for _, m := range msgs {
					fmt.Printf("  %d [%s] %s\n", m.OrderKey, m.FromUserID, renderText(m))
				}
			})
		default:
			fmt.Println("commands: send <user> <text> | history <user> | quit")
		}
	}
}

// fetchToken 先注册（已存在则忽略冲突），再换取 JWT。
func fetchToken(base, userID, password string) string {
	creds, _ := json.Marshal(map[string]string{"userId": userID, "password": password})
	resp, err := http.Post(base+"/register", "application/json", bytes.NewReader(creds))
	if err != nil {
		log.Fatalf("register: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		log.Fatalf("register: unexpected status %d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/token", "application/json", bytes.NewReader(creds))
	if err != nil {
		log.Fatalf("token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("token: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Fatalf("token: %v", err)
	}
	return body.Token
}

func renderText(m *models.Message) string {
	if m.Type == models.MessageTypeText || m.Type == models.MessageTypeRevoke {
		var p models.TextPayload
		if json.Unmarshal(m.Payload, &p) == nil && p.Text != "" {
			return p.Text
		}
	}
	return fmt.Sprintf("<%s message>", m.Type)
}
