package internal

// Broadcaster 出站通道的抽象。
//
// 房間／錦標賽元件透過它對連接群組廣播或對單一連接回覆，
// 而不直接依賴 WebSocket 傳輸層。資料流嚴格單向：
// 元件 → Broadcaster → 客戶端，元件絕不回呼分派器。
//
// 實作要求：所有方法都不可阻塞事件處理（慢客戶端由傳輸層的
// 緩衝與斷線策略處理），對不存在的連接或群組靜默為 no-op。
type Broadcaster interface {
	// ToConn 對單一連接送出事件。
	ToConn(connID string, msg Message)

	// ToGroup 對群組內所有連接廣播。
	ToGroup(code string, msg Message)

	// ToGroupExcept 對群組內除指定連接外的所有連接廣播。
	ToGroupExcept(code, exceptConnID string, msg Message)

	// Join 把連接加入廣播群組。
	Join(connID, code string)

	// Leave 把連接移出廣播群組。
	Leave(connID, code string)

	// CloseConn 明確關閉連接（認證被新連接取代時使用）。
	CloseConn(connID string)
}
