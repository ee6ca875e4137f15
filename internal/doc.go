// Package internal 實作井字棋遊戲伺服器的實時會話層。
//
// 元件一覽：
//
//   - SessionRegistry：token 與連接的身份綁定（長短兩種生命週期）
//   - Hub：WebSocket 傳輸層，Broadcaster 的實作
//   - Dispatcher：單一事件迴圈，所有狀態變更的串行化點
//   - Manager / Room：房間生命週期與對局狀態機
//   - Reconnector：斷線寬限期與原地重連
//   - Tournaments：四人單淘汰錦標賽的賽程推進
//   - Limiter：每連接的事件限流
//
// 資料流嚴格單向：
//
//	客戶端 → Hub → Dispatcher → 領域元件 → Broadcaster → 客戶端
//
// 領域元件絕不回呼分派器；計時器（寬限期、決賽延遲）的回呼
// 經由 Submit 送回事件迴圈，與一般事件同等待遇。
package internal
