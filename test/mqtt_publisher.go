package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// HubMessage 是 LoRa 网关转发的上行消息
type HubMessage struct {
	DeviceName string `json:"deviceName"`
	Data       string `json:"data"`
}

// 设备配置
type DeviceConfig struct {
	Name     string
	Interval time.Duration
	Fields   func() []string
}

var devices = []DeviceConfig{
	{Name: "arduino_ABP", Interval: 5 * time.Second, Fields: weatherStationFields},
	{Name: "ABP-2", Interval: 7 * time.Second, Fields: anemometerFields},
}

func main() {
	// 命令行参数
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker地址")
	username := flag.String("username", "", "MQTT用户名")
	password := flag.String("password", "", "MQTT密码")
	topic := flag.String("topic", "topic/test", "LoRa hub uplink topic")
	dashboard := flag.String("dashboard", "topic/MQTT2DashBoard", "dashboard topic, printed in listen mode")
	mode := flag.String("mode", "continuous", "运行模式: single, batch, continuous, listen")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("lora-hub-sim-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("连接丢失: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("连接MQTT服务器失败: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("已连接到MQTT服务器: %s\n", *broker)

	switch *mode {
	case "single":
		publish(client, *topic, devices[0].Name, devices[0].Fields())
		client.Disconnect(250)
	case "batch":
		publishBatch(client, *topic)
	case "continuous":
		publishContinuous(client, *topic)
	case "listen":
		listen(client, *dashboard)
	default:
		fmt.Println("未知的运行模式，请使用 single, batch, continuous 或 listen")
		os.Exit(1)
	}
}

func weatherStationFields() []string {
	humidity := 40.0 + rand.Float64()*40
	t1 := 20.0 + rand.Float64()*5
	t2 := 20.0 + rand.Float64()*5
	pressure := 995.0 + rand.Float64()*20
	rain := rand.Float64() * 3
	return []string{
		fmt.Sprintf("%.1f", humidity),
		fmt.Sprintf("%.1f", t1),
		fmt.Sprintf("%.1f", t2),
		fmt.Sprintf("%.1f", pressure),
		fmt.Sprintf("%.1f", rain),
	}
}

func anemometerFields() []string {
	directions := []string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}
	return []string{
		directions[rand.Intn(len(directions))],
		fmt.Sprintf("%.1f", rand.Float64()*15),
	}
}

// publish 发布一条网关消息, data 为 "::" 连接后的 base64
func publish(client paho.Client, topic, device string, fields []string) {
	msg := HubMessage{
		DeviceName: device,
		Data:       base64.StdEncoding.EncodeToString([]byte(strings.Join(fields, "::"))),
	}
	jsonData, err := json.Marshal(msg)
	if err != nil {
		fmt.Printf("JSON编码失败: %v\n", err)
		return
	}

	token := client.Publish(topic, 0, false, jsonData)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("发布消息失败: %v\n", token.Error())
		return
	}
	timestamp := time.Now().Format("15:04:05")
	fmt.Printf("[%s] %s -> %s\n", timestamp, device, strings.Join(fields, "::"))
}

// publishBatch sends every device a few times plus messages the bridge must drop
func publishBatch(client paho.Client, topic string) {
	for i := 0; i < 5; i++ {
		for _, dev := range devices {
			publish(client, topic, dev.Name, dev.Fields())
			// 短暂延迟，避免消息拥堵
			time.Sleep(100 * time.Millisecond)
		}
	}

	publish(client, topic, "unregistered-node", []string{"1", "2"})
	publish(client, topic, "arduino_ABP", []string{"21.5", "20.5"})
	client.Publish(topic, 0, false, []byte("not json")).Wait()

	fmt.Println("批量发布完成")
	client.Disconnect(250)
}

func publishContinuous(client paho.Client, topic string) {
	for _, device := range devices {
		go func(dev DeviceConfig) {
			for {
				publish(client, topic, dev.Name, dev.Fields())
				time.Sleep(dev.Interval)
			}
		}(device)
		fmt.Printf("设备 %s 将每 %v 上报一次数据\n", device.Name, device.Interval)
	}

	waitForSignal()
	fmt.Println("正在断开连接...")
	client.Disconnect(250)
}

// listen prints every record the bridge publishes
func listen(client paho.Client, topic string) {
	token := client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), string(msg.Payload()))
	})
	if token.Wait() && token.Error() != nil {
		fmt.Printf("订阅失败: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("listening on %s\n", topic)

	waitForSignal()
	client.Disconnect(250)
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}
